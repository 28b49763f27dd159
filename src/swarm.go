package main

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

//go:embed templates/swarm.tmpl
var swarm_tmpl string

// SwarmJob is one unit of work in the generated swarm file, a single
// participant session.
type SwarmJob struct {
	Subject string
	Session string
}

// SwarmConfig is everything the job script templating needs. All of it is
// passed in explicitly so generateSwarmScript stays a pure function.
type SwarmConfig struct {
	ConverterBin   string
	MCRDir         string
	Dcm2BidsConfig string
	OutputDir      string
	LogDir         string
	Resources      SwarmResources
}

func (cfg SwarmConfig) validate() error {
	if cfg.ConverterBin == "" {
		return errors.New("no converter binary configured, set one with\n\tfasttrack2bids config -converter <path>")
	}
	if cfg.MCRDir == "" {
		return errors.New("no MATLAB Compiler Runtime directory configured, set one with\n\tfasttrack2bids config -mcr <path>")
	}
	if cfg.OutputDir == "" {
		return errors.New("swarm generation needs an output directory")
	}
	return nil
}

// generateSwarmScript renders the swarm file text: a resource specification
// header followed by one job line per session. Nothing is executed and
// nothing is written, the caller owns both.
func generateSwarmScript(jobs []SwarmJob, cfg SwarmConfig) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "", errors.New("there are no sessions to generate jobs for")
	}
	tmpl, err := template.New("swarm").Parse(swarm_tmpl)
	if err != nil {
		return "", errors.Wrap(err, "could not parse the swarm template")
	}
	var out bytes.Buffer
	data := struct {
		Config SwarmConfig
		Jobs   []SwarmJob
	}{Config: cfg, Jobs: jobs}
	if err := tmpl.Execute(&out, data); err != nil {
		return "", errors.Wrap(err, "could not render the swarm file")
	}
	return out.String(), nil
}

// sessionsFromRecords reduces filtered records to the unique participant
// sessions in stable input order.
func sessionsFromRecords(records []FastTrackRecord) []SwarmJob {
	seen := make(map[SubjectSession]bool)
	var jobs []SwarmJob
	for _, r := range records {
		k := SubjectSession{r.Subject, r.Session}
		if seen[k] {
			continue
		}
		seen[k] = true
		jobs = append(jobs, SwarmJob{Subject: r.Subject, Session: r.Session})
	}
	return jobs
}

// jobsFromPairsCSV builds the job list from a participant,session CSV. The
// IDs are used as given, only BIDS prefixes are stripped, since the job lines
// add sub- and ses- themselves.
func jobsFromPairsCSV(path string) ([]SwarmJob, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	var jobs []SwarmJob
	seen := make(map[SubjectSession]bool)
	for i, line := range lines {
		split := strings.Split(line, ",")
		if len(split) != 2 {
			return nil, &MalformedInputError{Path: path, Line: i + 1,
				Reason: "expected exactly one participant ID, a comma and one session ID"}
		}
		subject := strings.TrimPrefix(strings.TrimSpace(split[0]), "sub-")
		session := strings.TrimPrefix(strings.TrimSpace(split[1]), "ses-")
		if !validSession(session) {
			return nil, &MalformedInputError{Path: path, Line: i + 1,
				Reason: fmt.Sprintf("invalid session ID \"%s\"", session)}
		}
		k := SubjectSession{subject, session}
		if seen[k] {
			continue
		}
		seen[k] = true
		jobs = append(jobs, SwarmJob{Subject: subject, Session: session})
	}
	return jobs, nil
}

// swarmRunCommand is the literal command the user copies to submit the
// generated file.
func swarmRunCommand(swarmFile string) string {
	return fmt.Sprintf("swarm -f %s", swarmFile)
}
