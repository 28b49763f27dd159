package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSwarmConfig() SwarmConfig {
	return SwarmConfig{
		ConverterBin:   "/opt/abcd/run_convert.sh",
		MCRDir:         "/opt/matlab/mcr/v94",
		Dcm2BidsConfig: "dcm2bids.json",
		OutputDir:      "rawdata",
		LogDir:         "swarm_logs",
		Resources: SwarmResources{
			Threads:  4,
			MemoryGB: 16,
			Walltime: "12:00:00",
			Modules:  []string{"matlab/2018a", "dcm2niix"},
		},
	}
}

func TestGenerateSwarmScript(t *testing.T) {
	jobs := []SwarmJob{
		{Subject: "NDARINVAAAA1111", Session: "baselineYear1Arm1"},
		{Subject: "NDARINVBBBB2222", Session: "2YearFollowUpYArm1"},
	}
	script, err := generateSwarmScript(jobs, testSwarmConfig())
	require.NoError(t, err)

	assert.Contains(t, script, "#SWARM --threads-per-process 4")
	assert.Contains(t, script, "#SWARM --gb-per-process 16")
	assert.Contains(t, script, "#SWARM --time 12:00:00")
	assert.Contains(t, script, "#SWARM --logdir swarm_logs")
	assert.Contains(t, script, "#SWARM --module matlab/2018a")
	assert.Contains(t, script, "#SWARM --module dcm2niix")

	var jobLines []string
	for _, line := range strings.Split(script, "\n") {
		if line != "" && !strings.HasPrefix(line, "#SWARM") {
			jobLines = append(jobLines, line)
		}
	}
	require.Len(t, jobLines, 2)
	assert.Equal(t, "/opt/abcd/run_convert.sh /opt/matlab/mcr/v94 -p sub-NDARINVAAAA1111 -s ses-baselineYear1Arm1 -c dcm2bids.json -o rawdata", jobLines[0])
	assert.Contains(t, jobLines[1], "sub-NDARINVBBBB2222")
}

func TestGenerateSwarmScriptValidation(t *testing.T) {
	jobs := []SwarmJob{{Subject: "NDARINVAAAA1111", Session: "baselineYear1Arm1"}}

	cfg := testSwarmConfig()
	cfg.ConverterBin = ""
	_, err := generateSwarmScript(jobs, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "converter")

	cfg = testSwarmConfig()
	cfg.MCRDir = ""
	_, err = generateSwarmScript(jobs, cfg)
	require.Error(t, err)

	_, err = generateSwarmScript(nil, testSwarmConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sessions")
}

func TestSessionsFromRecords(t *testing.T) {
	records := []FastTrackRecord{
		{Subject: "NDARINVAAAA1111", Session: "baselineYear1Arm1"},
		{Subject: "NDARINVAAAA1111", Session: "baselineYear1Arm1"},
		{Subject: "NDARINVAAAA1111", Session: "2YearFollowUpYArm1"},
		{Subject: "NDARINVBBBB2222", Session: "baselineYear1Arm1"},
	}
	jobs := sessionsFromRecords(records)
	assert.Equal(t, []SwarmJob{
		{Subject: "NDARINVAAAA1111", Session: "baselineYear1Arm1"},
		{Subject: "NDARINVAAAA1111", Session: "2YearFollowUpYArm1"},
		{Subject: "NDARINVBBBB2222", Session: "baselineYear1Arm1"},
	}, jobs)
}

func TestSessionsFromRecordsResolvesRecalls(t *testing.T) {
	// a raw (unfiltered) table can still carry recalled rows, the job list
	// is built from the recall-resolved records
	records := []FastTrackRecord{
		{Subject: "NDARINVAAAA1111", Session: "baselineYear1Arm1", Datatype: "ABCD-T1",
			Timestamp: "20180210121314", Recalled: true, RecallReason: "Replaced", Line: 3},
		{Subject: "NDARINVAAAA1111", Session: "baselineYear1Arm1", Datatype: "ABCD-T1",
			Timestamp: "20180212121314", Line: 4},
		{Subject: "NDARINVBBBB2222", Session: "2YearFollowUpYArm1", Datatype: "ABCD-T2",
			Timestamp: "20200210121314", Recalled: true, RecallReason: "Questionable", Line: 5},
	}
	jobs := sessionsFromRecords(resolveReplacements(records, nil))
	assert.Equal(t, []SwarmJob{
		{Subject: "NDARINVAAAA1111", Session: "baselineYear1Arm1"},
		// a recalled series without a replacement is still the only copy
		// of its session and keeps its job
		{Subject: "NDARINVBBBB2222", Session: "2YearFollowUpYArm1"},
	}, jobs)
}

func TestJobsFromPairsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairs.csv")
	content := "NDARINVAAAA1111,ses-baselineYear1Arm1\nsub-NDARINVBBBB2222,2YearFollowUpYArm1\nNDARINVAAAA1111,ses-baselineYear1Arm1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	jobs, err := jobsFromPairsCSV(path)
	require.NoError(t, err)
	assert.Equal(t, []SwarmJob{
		{Subject: "NDARINVAAAA1111", Session: "baselineYear1Arm1"},
		{Subject: "NDARINVBBBB2222", Session: "2YearFollowUpYArm1"},
	}, jobs)

	bad := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("justonefield\n"), 0644))
	_, err = jobsFromPairsCSV(bad)
	var malformed *MalformedInputError
	require.ErrorAs(t, err, &malformed)

	typo := filepath.Join(t.TempDir(), "typo.csv")
	require.NoError(t, os.WriteFile(typo, []byte("NDARINVAAAA1111,ses-baslineYear1Arm1\n"), 0644))
	_, err = jobsFromPairsCSV(typo)
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "baslineYear1Arm1")
}

func TestSwarmRunCommand(t *testing.T) {
	assert.Equal(t, "swarm -f fasttrack2bids.swarm", swarmRunCommand("fasttrack2bids.swarm"))
}
