package main

import (
	"fmt"
	"sort"
	"strings"
)

// Sessions lists the visit names the NDA fast track uses. Participant visits
// outside this list do not exist in abcd_fastqc01.txt.
var Sessions = []string{
	"ses-baselineYear1Arm1",
	"ses-2YearFollowUpYArm1",
	"ses-4YearFollowUpYArm1",
	"ses-6YearFollowUpYArm1",
	"ses-8YearFollowUpYArm1",
	"ses-10YearFollowUpYArm1",
}

type DatatypeGroup struct {
	Warning string
	Types   []string
}

// Datatypes maps a user-facing datatype name to the series type substrings
// it selects inside ftq_series_id.
var Datatypes = map[string]DatatypeGroup{
	"all": {
		Warning: "The \"all\" datatype contains everything except QA data.",
		Types: []string{
			"_ABCD-DTI_",
			"_ABCD-Diffusion-FM_",
			"_ABCD-Diffusion-FM-AP_",
			"_ABCD-Diffusion-FM-PA_",
			"_ABCD-MID-fMRI_",
			"_ABCD-nBack-fMRI_",
			"_ABCD-rsfMRI_",
			"_ABCD-SST-fMRI_",
			"_ABCD-fMRI-FM_",
			"_ABCD-fMRI-FM-AP_",
			"_ABCD-fMRI-FM-PA_",
			"_ABCD-T1_",
			"_ABCD-T1-NORM_",
			"_ABCD-T2_",
			"_ABCD-T2-NORM_",
		},
	},
	"all-anat": {
		Warning: "The \"all-anat\" datatype contains both T1 and T2 as-acquired. Siemens scans also include T1 and T2 normalized.",
		Types: []string{
			"_ABCD-T1_",
			"_ABCD-T1-NORM_",
			"_ABCD-T2_",
			"_ABCD-T2-NORM_",
		},
	},
	"all-t1w": {
		Warning: "The \"all-t1w\" datatype contains T1 as-acquired. Siemens scans also include T1 normalized.",
		Types: []string{
			"_ABCD-T1_",
			"_ABCD-T1-NORM_",
		},
	},
	"all-t2w": {
		Warning: "The \"all-t2w\" datatype contains T2 as-acquired. Siemens scans also include T2 normalized.",
		Types: []string{
			"_ABCD-T2_",
			"_ABCD-T2-NORM_",
		},
	},
	"all-dwi": {
		Warning: "The \"all-dwi\" datatype contains both DWI scans and DWI field maps.",
		Types: []string{
			"_ABCD-DTI_",
			"_ABCD-Diffusion-FM_",
			"_ABCD-Diffusion-FM-AP_",
			"_ABCD-Diffusion-FM-PA_",
		},
	},
	"all-fmap": {
		Warning: "The \"all-fmap\" datatype contains both DWI field maps and fMRI field maps.",
		Types: []string{
			"_ABCD-Diffusion-FM_",
			"_ABCD-Diffusion-FM-AP_",
			"_ABCD-Diffusion-FM-PA_",
			"_ABCD-fMRI-FM_",
			"_ABCD-fMRI-FM-AP_",
			"_ABCD-fMRI-FM-PA_",
		},
	},
	"all-func": {
		Warning: "The \"all-func\" datatype contains all task-based and resting-state fMRI as well as all fMRI field maps.",
		Types: []string{
			"_ABCD-MID-fMRI_",
			"_ABCD-nBack-fMRI_",
			"_ABCD-rsfMRI_",
			"_ABCD-SST-fMRI_",
			"_ABCD-fMRI-FM_",
			"_ABCD-fMRI-FM-AP_",
			"_ABCD-fMRI-FM-PA_",
		},
	},
	"all-task-MID": {
		Warning: "The \"all-task-MID\" datatype contains all MID task fMRI as well as all fMRI field maps.",
		Types: []string{
			"_ABCD-MID-fMRI_",
			"_ABCD-fMRI-FM_",
			"_ABCD-fMRI-FM-AP_",
			"_ABCD-fMRI-FM-PA_",
		},
	},
	"all-task-nback": {
		Warning: "The \"all-task-nback\" datatype contains all nBack task fMRI as well as all fMRI field maps.",
		Types: []string{
			"_ABCD-nBack-fMRI_",
			"_ABCD-fMRI-FM_",
			"_ABCD-fMRI-FM-AP_",
			"_ABCD-fMRI-FM-PA_",
		},
	},
	"all-task-rest": {
		Warning: "The \"all-task-rest\" datatype contains all resting-state fMRI as well as all fMRI field maps.",
		Types: []string{
			"_ABCD-rsfMRI_",
			"_ABCD-fMRI-FM_",
			"_ABCD-fMRI-FM-AP_",
			"_ABCD-fMRI-FM-PA_",
		},
	},
	"all-task-SST": {
		Warning: "The \"all-task-SST\" datatype contains all SST task fMRI as well as all fMRI field maps.",
		Types: []string{
			"_ABCD-SST-fMRI_",
			"_ABCD-fMRI-FM_",
			"_ABCD-fMRI-FM-AP_",
			"_ABCD-fMRI-FM-PA_",
		},
	},
	"all-qa": {
		Warning: "The \"all-qa\" datatype contains all QA scans. This behaves the same as the \"only-qa\" datatype.",
		Types:   []string{"QA_"},
	},
	"only-dwi": {
		Warning: "The \"only-dwi\" datatype contains only DWI scans, no field maps.",
		Types:   []string{"_ABCD-DTI_"},
	},
	"only-fmap-dwi": {
		Warning: "The \"only-fmap-dwi\" datatype contains only DWI field maps.",
		Types: []string{
			"_ABCD-Diffusion-FM_",
			"_ABCD-Diffusion-FM-AP_",
			"_ABCD-Diffusion-FM-PA_",
		},
	},
	"only-fmap-func": {
		Warning: "The \"only-fmap-func\" datatype contains only fMRI field maps.",
		Types: []string{
			"_ABCD-fMRI-FM_",
			"_ABCD-fMRI-FM-AP_",
			"_ABCD-fMRI-FM-PA_",
		},
	},
	"only-func": {
		Warning: "The \"only-func\" datatype contains only task-based and resting-state fMRI, no field maps.",
		Types: []string{
			"_ABCD-MID-fMRI_",
			"_ABCD-nBack-fMRI_",
			"_ABCD-rsfMRI_",
			"_ABCD-SST-fMRI_",
		},
	},
	"only-task-MID": {
		Warning: "The \"only-task-MID\" datatype contains only MID task fMRI.",
		Types:   []string{"_ABCD-MID-fMRI_"},
	},
	"only-task-nback": {
		Warning: "The \"only-task-nback\" datatype contains only nBack task fMRI.",
		Types:   []string{"_ABCD-nBack-fMRI_"},
	},
	"only-task-rest": {
		Warning: "The \"only-task-rest\" datatype contains only resting-state fMRI.",
		Types:   []string{"_ABCD-rsfMRI_"},
	},
	"only-task-SST": {
		Warning: "The \"only-task-SST\" datatype contains only SST task fMRI.",
		Types:   []string{"_ABCD-SST-fMRI_"},
	},
	"only-t1w-asacquired": {
		Warning: "The \"only-t1w-asacquired\" datatype contains only T1 as-acquired.",
		Types:   []string{"_ABCD-T1_"},
	},
	"only-t1w-normalized": {
		Warning: "The \"only-t1w-normalized\" datatype contains only Siemens normalized T1.",
		Types:   []string{"_ABCD-T1-NORM_"},
	},
	"only-t2w-asacquired": {
		Warning: "The \"only-t2w-asacquired\" datatype contains only T2 as-acquired.",
		Types:   []string{"_ABCD-T2_"},
	},
	"only-t2w-normalized": {
		Warning: "The \"only-t2w-normalized\" datatype contains only Siemens normalized T2.",
		Types:   []string{"_ABCD-T2-NORM_"},
	},
	"only-qa": {
		Warning: "The \"only-qa\" datatype contains only QA scans. This behaves the same as the \"all-qa\" datatype.",
		Types:   []string{"QA_"},
	},
}

// expandDatatypes resolves a list of datatype names into the sorted, unique
// set of series type substrings they cover.
func expandDatatypes(names []string) ([]string, error) {
	set := make(map[string]bool)
	for _, name := range names {
		group, ok := Datatypes[name]
		if !ok {
			return nil, fmt.Errorf("unknown datatype \"%s\", see the filter help for the available names", name)
		}
		for _, t := range group.Types {
			set[t] = true
		}
	}
	var types []string
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// datatypeWarnings returns the selection notes of the named groups in input
// order, so the user sees what a group pulls in beyond its name. Unknown
// names are rejected by expandDatatypes.
func datatypeWarnings(names []string) []string {
	var warnings []string
	for _, name := range names {
		if group, ok := Datatypes[name]; ok && group.Warning != "" {
			warnings = append(warnings, group.Warning)
		}
	}
	return warnings
}

// datatypesSuffix builds the sorted "+"-joined datatype part of the output
// file suffix, like "all-anat+only-task-rest".
func datatypesSuffix(names []string) string {
	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	return strings.Join(sorted, "+")
}

func datatypeNames() []string {
	var names []string
	for name := range Datatypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validSession(session string) bool {
	for _, s := range Sessions {
		if s == session || strings.TrimPrefix(s, "ses-") == session {
			return true
		}
	}
	return false
}
