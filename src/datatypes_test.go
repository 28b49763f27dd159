package main

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandDatatypes(t *testing.T) {
	types, err := expandDatatypes([]string{"only-t1w-asacquired"})
	require.NoError(t, err)
	assert.Equal(t, []string{"_ABCD-T1_"}, types)

	// overlapping groups collapse into a unique sorted set
	types, err = expandDatatypes([]string{"all-task-rest", "only-fmap-func"})
	require.NoError(t, err)
	assert.True(t, sort.StringsAreSorted(types))
	assert.Equal(t, []string{
		"_ABCD-fMRI-FM-AP_",
		"_ABCD-fMRI-FM-PA_",
		"_ABCD-fMRI-FM_",
		"_ABCD-rsfMRI_",
	}, types)

	_, err = expandDatatypes([]string{"all-anat", "nonsense"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonsense")
}

func TestExpandDatatypesAllExcludesQA(t *testing.T) {
	types, err := expandDatatypes([]string{"all"})
	require.NoError(t, err)
	for _, typ := range types {
		assert.NotContains(t, typ, "QA")
	}
}

func TestDatatypeWarnings(t *testing.T) {
	warnings := datatypeWarnings([]string{"all-anat", "only-dwi"})
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "all-anat")
	assert.Contains(t, warnings[1], "only-dwi")
	assert.Empty(t, datatypeWarnings([]string{"nonsense"}))
}

func TestDatatypesSuffix(t *testing.T) {
	assert.Equal(t, "all-anat", datatypesSuffix([]string{"all-anat"}))
	assert.Equal(t, "all-anat+only-dwi", datatypesSuffix([]string{"only-dwi", "all-anat"}))
}

func TestDatatypeNames(t *testing.T) {
	names := datatypeNames()
	assert.True(t, sort.StringsAreSorted(names))
	assert.Contains(t, names, "all")
	assert.Contains(t, names, "only-qa")
	assert.Len(t, names, len(Datatypes))
}

func TestValidSession(t *testing.T) {
	assert.True(t, validSession("ses-baselineYear1Arm1"))
	assert.True(t, validSession("baselineYear1Arm1"))
	assert.True(t, validSession("10YearFollowUpYArm1"))
	assert.False(t, validSession("midYearArm2"))
}
