package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testHeader = []string{"ftq_series_id", "file_source", "ftq_complete", "ftq_recalled", "ftq_recall_reason"}

var testDescription = []string{"The series identifier", "The S3 location", "QC completed", "Recalled by the NDA", "Reason for the recall"}

// writeTestTable writes rows in the NDA shape: tab separated with every
// field quoted, description row after the header.
func writeTestTable(t *testing.T, header []string, description []string, rows [][]string) string {
	t.Helper()
	quote := func(fields []string) string {
		quoted := make([]string, len(fields))
		for i, v := range fields {
			quoted[i] = "\"" + strings.ReplaceAll(v, "\"", "\"\"") + "\""
		}
		return strings.Join(quoted, "\t")
	}
	var lines []string
	lines = append(lines, quote(header))
	if description != nil {
		lines = append(lines, quote(description))
	}
	for _, row := range rows {
		lines = append(lines, quote(row))
	}
	path := filepath.Join(t.TempDir(), "abcd_fastqc01.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func seriesRow(subject string, session string, datatype string, timestamp string, complete string, recalled string, reason string) []string {
	id := subject + "_" + session + "_" + datatype + "_" + timestamp
	source := "s3://NDAR_Central_1/submission_12345/" + id + ".tgz"
	return []string{id, source, complete, recalled, reason}
}

func TestLoadTable(t *testing.T) {
	path := writeTestTable(t, testHeader, testDescription, [][]string{
		seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-T1-NORM", "20180210121314", "1", "0", ""),
		seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-rsfMRI", "20180210123000", "1", "0", ""),
		seriesRow("NDARINVBBBB2222", "2YearFollowUpYArm1", "ABCD-T2", "20200301080000", "0", "0", ""),
	})

	table, err := loadTable(path, testLogger())
	require.NoError(t, err)
	require.Len(t, table.Records, 3)
	assert.Equal(t, testHeader, table.Header)
	assert.Equal(t, testDescription, table.Description)

	first := table.Records[0]
	assert.Equal(t, "NDARINVAAAA1111", first.Subject)
	assert.Equal(t, "baselineYear1Arm1", first.Session)
	assert.Equal(t, "ABCD-T1-NORM", first.Datatype)
	assert.Equal(t, "20180210121314", first.Timestamp)
	assert.True(t, first.Complete)
	assert.False(t, first.Recalled)
	assert.Equal(t, 3, first.Line)

	assert.False(t, table.Records[2].Complete)
	// the original column values stay available for the filtered output
	assert.Equal(t, first.SeriesID, first.Extra["ftq_series_id"])
}

func TestLoadTableMissingColumn(t *testing.T) {
	path := writeTestTable(t, []string{"ftq_series_id", "ftq_complete"}, nil, nil)
	_, err := loadTable(path, testLogger())
	require.Error(t, err)
	var malformed *MalformedInputError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "file_source", malformed.Column)
	assert.Contains(t, err.Error(), "file_source")
}

func TestLoadTableSkipsBadSeriesIDs(t *testing.T) {
	path := writeTestTable(t, testHeader, testDescription, [][]string{
		{"NDARINVAAAA1111_oops", "s3://bucket/broken.tgz", "1", "0", ""},
		seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-T1", "20180210121314", "1", "0", ""),
	})
	table, err := loadTable(path, testLogger())
	require.NoError(t, err)
	require.Len(t, table.Records, 1)
	assert.Equal(t, "ABCD-T1", table.Records[0].Datatype)
}

func TestResolveReplacements(t *testing.T) {
	recalled := seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-T1", "20180210121314", "1", "1", "motion")
	replacement := seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-T1", "20180212121314", "1", "0", "")

	tests := []struct {
		name string
		rows [][]string
		want []string // surviving timestamps in order
	}{
		{"recalled before replacement", [][]string{recalled, replacement}, []string{"20180212121314"}},
		{"replacement before recalled", [][]string{replacement, recalled}, []string{"20180212121314"}},
		{"recalled without replacement", [][]string{recalled}, []string{"20180210121314"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTestTable(t, testHeader, testDescription, tt.rows)
			table, err := loadTable(path, testLogger())
			require.NoError(t, err)
			resolved := resolveReplacements(table.Records, testLogger())
			var got []string
			for _, r := range resolved {
				got = append(got, r.Timestamp)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveReplacementsExactDuplicates(t *testing.T) {
	row := seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-T2", "20180210121314", "0", "0", "")
	later := seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-T2", "20180210121314", "1", "0", "")
	path := writeTestTable(t, testHeader, testDescription, [][]string{row, later})
	table, err := loadTable(path, testLogger())
	require.NoError(t, err)
	resolved := resolveReplacements(table.Records, testLogger())
	require.Len(t, resolved, 1)
	// the last row in file order wins
	assert.Equal(t, 4, resolved[0].Line)
	assert.True(t, resolved[0].Complete)
}

func TestResolveReplacementsKeepsMultipleRuns(t *testing.T) {
	// two resting-state runs of the same session are distinct series, not
	// duplicates
	path := writeTestTable(t, testHeader, testDescription, [][]string{
		seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-rsfMRI", "20180210121314", "1", "0", ""),
		seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-rsfMRI", "20180210123000", "1", "0", ""),
	})
	table, err := loadTable(path, testLogger())
	require.NoError(t, err)
	resolved := resolveReplacements(table.Records, testLogger())
	assert.Len(t, resolved, 2)
}

func loadFilterFixture(t *testing.T) *FastTrackTable {
	t.Helper()
	path := writeTestTable(t, testHeader, testDescription, [][]string{
		seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-T1-NORM", "20180210121314", "1", "0", ""),
		seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-rsfMRI", "20180210123000", "0", "0", ""),
		seriesRow("NDARINVAAAA1111", "2YearFollowUpYArm1", "ABCD-T1-NORM", "20200301080000", "1", "0", ""),
		seriesRow("NDARINVBBBB2222", "baselineYear1Arm1", "ABCD-T2", "20180501090000", "1", "0", ""),
		seriesRow("NDARINVBBBB2222", "baselineYear1Arm1", "ABCD-SST-fMRI", "20180501091500", "1", "0", ""),
	})
	table, err := loadTable(path, testLogger())
	require.NoError(t, err)
	return table
}

func TestFilterRecords(t *testing.T) {
	table := loadFilterFixture(t)

	anat, err := expandDatatypes([]string{"all-anat"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		criteria SelectionCriteria
		want     int
	}{
		{"no criteria keeps everything", SelectionCriteria{}, 5},
		{"datatype", SelectionCriteria{Datatypes: anat}, 3},
		{"subject include", SelectionCriteria{Subjects: []string{"AAAA1111"}}, 3},
		{"subject exclude", SelectionCriteria{ExcludeSubjects: []string{"AAAA1111"}}, 2},
		{"session include", SelectionCriteria{Sessions: []string{"2YearFollowUpYArm1"}}, 1},
		{"session exclude", SelectionCriteria{ExcludeSessions: []string{"baselineYear1Arm1"}}, 1},
		{"pairs", SelectionCriteria{Pairs: []SubjectSession{{"BBBB2222", "baselineYear1Arm1"}}}, 2},
		{"require complete", SelectionCriteria{RequireComplete: true}, 4},
		{"combined", SelectionCriteria{Datatypes: anat, Subjects: []string{"AAAA1111"}, Sessions: []string{"baselineYear1Arm1"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterRecords(table.Records, tt.criteria)
			assert.Len(t, got, tt.want)
			// applying the same filter again must not change anything
			assert.Equal(t, got, filterRecords(got, tt.criteria))
		})
	}
}

func TestFilterRecordsPreservesOrder(t *testing.T) {
	table := loadFilterFixture(t)
	got := filterRecords(table.Records, SelectionCriteria{Subjects: []string{"AAAA1111"}})
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].Line, got[i].Line)
	}
}

func TestExtractLinks(t *testing.T) {
	table := loadFilterFixture(t)
	records := table.Records
	// a record without a source and a duplicate of the first link
	records = append(records, FastTrackRecord{SeriesID: "NDARINVCCCC3333_baselineYear1Arm1_ABCD-T1_20180601090000"})
	records = append(records, records[0])

	links := extractLinks(records, testLogger())
	assert.Len(t, links, 5)
	seen := make(map[string]bool)
	for _, link := range links {
		assert.False(t, seen[link], "duplicate link %s", link)
		seen[link] = true
	}
}

func TestLinkListRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s3_links.txt")
	links := []string{
		"s3://NDAR_Central_1/submission_12345/a.tgz",
		"s3://NDAR_Central_1/submission_12345/b.tgz",
	}
	require.NoError(t, writeLinkList(links, path))
	got, err := readLinkList(path)
	require.NoError(t, err)
	assert.Equal(t, links, got)

	// writing again overwrites instead of appending
	require.NoError(t, writeLinkList(links[:1], path))
	got, err = readLinkList(path)
	require.NoError(t, err)
	assert.Equal(t, links[:1], got)
}

func TestWriteFilteredTable(t *testing.T) {
	table := loadFilterFixture(t)
	anat, err := expandDatatypes([]string{"all-anat"})
	require.NoError(t, err)
	records := filterRecords(table.Records, SelectionCriteria{Datatypes: anat})

	path := filepath.Join(t.TempDir(), "filtered.txt")
	require.NoError(t, writeFilteredTable(table, records, path))

	// the filtered table must load the same way the original does
	filtered, err := loadTable(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, table.Header, filtered.Header)
	assert.Equal(t, table.Description, filtered.Description)
	require.Len(t, filtered.Records, len(records))
	for i, r := range filtered.Records {
		assert.Equal(t, records[i].SeriesID, r.SeriesID)
	}

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	for _, line := range lines {
		for _, field := range strings.Split(line, "\t") {
			assert.True(t, strings.HasPrefix(field, "\"") && strings.HasSuffix(field, "\""),
				"field %q is not quoted", field)
		}
	}
}

func TestCounts(t *testing.T) {
	table := loadFilterFixture(t)
	assert.Equal(t, 2, uniqueParticipants(table.Records))
	assert.Equal(t, 3, uniqueSessions(table.Records))
	assert.Equal(t, "filtered_all-anat_p-2_s-3", filterSuffix([]string{"all-anat"}, table.Records))
	assert.Equal(t, "filtered_all-anat+only-dwi_p-2_s-3", filterSuffix([]string{"only-dwi", "all-anat"}, table.Records))
}

func TestFilterEndToEnd(t *testing.T) {
	// a recalled T1 with its replacement plus an unrelated T2, filtered down
	// to complete T1 series, must yield exactly the replacement's link
	path := writeTestTable(t, testHeader, testDescription, [][]string{
		seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-T1", "20180212121314", "1", "0", ""),
		seriesRow("NDARINVAAAA1111", "baselineYear1Arm1", "ABCD-T1", "20180210121314", "0", "1", "Replaced"),
		seriesRow("NDARINVBBBB2222", "baselineYear1Arm1", "ABCD-T2", "20180501090000", "1", "0", ""),
	})
	table, err := loadTable(path, testLogger())
	require.NoError(t, err)

	t1w, err := expandDatatypes([]string{"only-t1w-asacquired"})
	require.NoError(t, err)
	records := filterRecords(resolveReplacements(table.Records, testLogger()),
		SelectionCriteria{Datatypes: t1w, RequireComplete: true})
	links := extractLinks(records, testLogger())

	require.Len(t, links, 1)
	assert.Contains(t, links[0], "20180212121314")

	linksPath := filepath.Join(t.TempDir(), "s3_links.txt")
	require.NoError(t, writeLinkList(links, linksPath))
	got, err := readLinkList(linksPath)
	require.NoError(t, err)
	assert.Equal(t, links, got)
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{"full GUID", "NDARINVAAAA1111", "AAAA1111", false},
		{"INV form", "INVAAAA1111", "AAAA1111", false},
		{"bare tail", "aaaa1111", "AAAA1111", false},
		{"too short", "A111", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeSubject(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("normalizeSubject() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("normalizeSubject() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeSession(t *testing.T) {
	assert.Equal(t, "baselineYear1Arm1", normalizeSession("ses-baselineYear1Arm1"))
	assert.Equal(t, "baselineYear1Arm1", normalizeSession(" baselineYear1Arm1 "))
}

func TestParseSession(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{"with prefix", "ses-baselineYear1Arm1", "baselineYear1Arm1", false},
		{"without prefix", "2YearFollowUpYArm1", "2YearFollowUpYArm1", false},
		{"whitespace", " ses-4YearFollowUpYArm1 ", "4YearFollowUpYArm1", false},
		{"typo", "baslineYear1Arm1", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSession(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseSession() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("parseSession() = %v, want %v", got, tt.want)
			}
		})
	}
	_, err := parseSession("baslineYear1Arm1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baslineYear1Arm1")
	assert.Contains(t, err.Error(), "baselineYear1Arm1")
}

func TestReadPairsCSV(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "pairs.csv")
	require.NoError(t, os.WriteFile(good, []byte("NDARINVAAAA1111,ses-baselineYear1Arm1\nINVBBBB2222,2YearFollowUpYArm1\n"), 0644))
	pairs, err := readPairsCSV(good)
	require.NoError(t, err)
	assert.Equal(t, []SubjectSession{
		{"AAAA1111", "baselineYear1Arm1"},
		{"BBBB2222", "2YearFollowUpYArm1"},
	}, pairs)

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("NDARINVAAAA1111,ses-baselineYear1Arm1,extra\n"), 0644))
	_, err = readPairsCSV(bad)
	var malformed *MalformedInputError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 1, malformed.Line)

	typo := filepath.Join(dir, "typo.csv")
	require.NoError(t, os.WriteFile(typo, []byte("NDARINVAAAA1111,ses-baselineYear1Arm1\nNDARINVBBBB2222,ses-baslineYear1Arm1\n"), 0644))
	_, err = readPairsCSV(typo)
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 2, malformed.Line)
	assert.Contains(t, malformed.Reason, "invalid session ID")
}
