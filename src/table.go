package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// The columns the filter itself depends on. Everything else in
// abcd_fastqc01.txt is carried along untouched.
var requiredColumns = []string{"ftq_series_id", "file_source", "ftq_complete"}

// MalformedInputError reports a schema violation in the fast track table,
// naming the missing column or the offending 1-based line.
type MalformedInputError struct {
	Path   string
	Line   int
	Column string
	Reason string
}

func (e *MalformedInputError) Error() string {
	if e.Column != "" && e.Line == 0 {
		return fmt.Sprintf("%s: missing required column \"%s\"", e.Path, e.Column)
	}
	return fmt.Sprintf("%s: line %d: %s", e.Path, e.Line, e.Reason)
}

// FastTrackRecord is one data row of abcd_fastqc01.txt. Subject, session,
// series type and timestamp are parsed out of ftq_series_id, every original
// column value stays available in Extra.
type FastTrackRecord struct {
	Subject      string
	Session      string
	Datatype     string
	Timestamp    string
	SeriesID     string
	Source       string
	Complete     bool
	Recalled     bool
	RecallReason string
	Line         int
	Extra        map[string]string
}

// FastTrackTable keeps the header and the NDA element description row so a
// filtered copy of the table can be written back in the original shape.
type FastTrackTable struct {
	Path        string
	Header      []string
	Description []string
	Records     []FastTrackRecord
}

// parseSeriesID splits an ftq_series_id like
// NDARINVABCDEFGH_baselineYear1Arm1_ABCD-T1-NORM_20180210121314 into its
// subject, session, series type and timestamp parts.
func parseSeriesID(id string) (string, string, string, string, error) {
	parts := strings.Split(id, "_")
	if len(parts) < 4 {
		return "", "", "", "", fmt.Errorf("ftq_series_id \"%s\" does not look like GUID_session_type_timestamp", id)
	}
	subject := parts[0]
	session := parts[1]
	timestamp := parts[len(parts)-1]
	datatype := strings.Join(parts[2:len(parts)-1], "_")
	return subject, session, datatype, timestamp, nil
}

func truthy(value string) bool {
	switch strings.TrimSpace(value) {
	case "1", "1.0", "yes", "Yes":
		return true
	}
	return false
}

// loadTable reads the NDA-formatted fast track table. The file is tab
// separated with every field quoted and carries a second header row with the
// human readable element descriptions that we keep for the filtered output.
func loadTable(path string, logger *zap.SugaredLogger) (*FastTrackTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open the fast track table %s", path)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "could not read the header of %s", path)
	}
	column := make(map[string]int)
	for i, name := range header {
		column[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := column[name]; !ok {
			return nil, &MalformedInputError{Path: path, Column: name}
		}
	}

	table := &FastTrackTable{Path: path, Header: header}

	get := func(row []string, name string) string {
		i, ok := column[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	line := 1 // the header was line 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &MalformedInputError{Path: path, Line: line + 1, Reason: err.Error()}
		}
		line++

		// the second line of an NDA table is the element description row
		if line == 2 && !strings.HasPrefix(get(row, "ftq_series_id"), "NDAR") {
			table.Description = row
			continue
		}

		extra := make(map[string]string)
		for i, name := range header {
			if i < len(row) {
				extra[strings.TrimSpace(name)] = row[i]
			}
		}
		record := FastTrackRecord{
			SeriesID:     get(row, "ftq_series_id"),
			Source:       get(row, "file_source"),
			Complete:     truthy(get(row, "ftq_complete")),
			Recalled:     truthy(get(row, "ftq_recalled")),
			RecallReason: get(row, "ftq_recall_reason"),
			Line:         line,
			Extra:        extra,
		}
		subject, session, datatype, timestamp, err := parseSeriesID(record.SeriesID)
		if err != nil {
			if logger != nil {
				logger.Warnf("%s: line %d: %v, skipping the row", path, line, err)
			}
			continue
		}
		record.Subject = subject
		record.Session = session
		record.Datatype = datatype
		record.Timestamp = timestamp
		table.Records = append(table.Records, record)
	}

	return table, nil
}

// resolveReplacements drops series that were recalled by the NDA and later
// re-uploaded. A recalled row loses against a present replacement with the
// same subject, session and series type. Exact duplicates that remain are
// resolved last-in-file-wins.
func resolveReplacements(records []FastTrackRecord, logger *zap.SugaredLogger) []FastTrackRecord {
	drop := make(map[int]bool)

	// recalled rows lose to any replacement row of the same series
	type seriesKey struct{ subject, session, datatype string }
	replaced := make(map[seriesKey]bool)
	for _, r := range records {
		if !r.Recalled {
			replaced[seriesKey{r.Subject, r.Session, r.Datatype}] = true
		}
	}
	for i, r := range records {
		if r.Recalled && replaced[seriesKey{r.Subject, r.Session, r.Datatype}] {
			drop[i] = true
			if logger != nil {
				logger.Infof("line %d: %s was recalled (%s) and has a replacement, dropping it",
					r.Line, r.SeriesID, r.RecallReason)
			}
		}
	}

	// remaining exact duplicates: the last row in file order wins
	type exactKey struct{ subject, session, datatype, timestamp string }
	last := make(map[exactKey]int)
	for i, r := range records {
		if drop[i] {
			continue
		}
		k := exactKey{r.Subject, r.Session, r.Datatype, r.Timestamp}
		if j, ok := last[k]; ok {
			drop[j] = true
			if logger != nil {
				logger.Warnf("lines %d and %d are ambiguous duplicates of %s, keeping the later row",
					records[j].Line, r.Line, r.SeriesID)
			}
		}
		last[k] = i
	}

	out := make([]FastTrackRecord, 0, len(records))
	for i, r := range records {
		if !drop[i] {
			out = append(out, r)
		}
	}
	return out
}

type SubjectSession struct {
	Subject string
	Session string
}

// SelectionCriteria holds the user supplied filters. A zero field imposes no
// constraint.
type SelectionCriteria struct {
	Datatypes       []string // expanded series type substrings
	Subjects        []string // normalized 8-character IDs
	ExcludeSubjects []string
	Sessions        []string // without the ses- prefix
	ExcludeSessions []string
	Pairs           []SubjectSession
	RequireComplete bool
}

// normalizeSubject reduces a participant ID in NDA GUID, BIDS or plain form
// to the upper-case 8 character tail used inside ftq_series_id.
func normalizeSubject(id string) (string, error) {
	id = strings.TrimSpace(id)
	if len(id) < 8 {
		return "", fmt.Errorf("invalid participant ID \"%s\", we need at least the last 8 ID characters", id)
	}
	return strings.ToUpper(id[len(id)-8:]), nil
}

func normalizeSession(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "ses-")
}

// parseSession normalizes a session ID and rejects names outside the fixed
// fast track visit list. A typo'd session must fail loudly instead of
// selecting nothing.
func parseSession(id string) (string, error) {
	session := normalizeSession(id)
	if !validSession(session) {
		return "", fmt.Errorf("invalid session ID \"%s\", the fast track sessions are %s",
			strings.TrimSpace(id), strings.Join(Sessions, ", "))
	}
	return session, nil
}

func subjectMatches(record FastTrackRecord, normalized string) bool {
	return strings.HasSuffix(strings.ToUpper(record.Subject), normalized)
}

func sessionMatches(record FastTrackRecord, session string) bool {
	return strings.EqualFold(record.Session, session)
}

// filterRecords applies the criteria in a fixed order: datatype, subject
// include/exclude, session include/exclude, exact pairs, completeness. The
// input order is preserved and the operation is idempotent.
func filterRecords(records []FastTrackRecord, criteria SelectionCriteria) []FastTrackRecord {
	out := make([]FastTrackRecord, 0, len(records))
	for _, r := range records {
		if len(criteria.Datatypes) > 0 {
			matched := false
			for _, t := range criteria.Datatypes {
				if strings.Contains(r.SeriesID, t) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if len(criteria.Subjects) > 0 && !anySubject(r, criteria.Subjects) {
			continue
		}
		if len(criteria.ExcludeSubjects) > 0 && anySubject(r, criteria.ExcludeSubjects) {
			continue
		}
		if len(criteria.Sessions) > 0 && !anySession(r, criteria.Sessions) {
			continue
		}
		if len(criteria.ExcludeSessions) > 0 && anySession(r, criteria.ExcludeSessions) {
			continue
		}
		if len(criteria.Pairs) > 0 {
			matched := false
			for _, p := range criteria.Pairs {
				if subjectMatches(r, p.Subject) && sessionMatches(r, p.Session) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if criteria.RequireComplete && !r.Complete {
			continue
		}
		out = append(out, r)
	}
	return out
}

func anySubject(r FastTrackRecord, subjects []string) bool {
	for _, s := range subjects {
		if subjectMatches(r, s) {
			return true
		}
	}
	return false
}

func anySession(r FastTrackRecord, sessions []string) bool {
	for _, s := range sessions {
		if sessionMatches(r, s) {
			return true
		}
	}
	return false
}

// extractLinks maps the surviving records to their S3 URIs, dropping exact
// duplicates while keeping the input order.
func extractLinks(records []FastTrackRecord, logger *zap.SugaredLogger) []string {
	seen := make(map[string]bool)
	var links []string
	for _, r := range records {
		if r.Source == "" {
			if logger != nil {
				logger.Warnf("line %d: %s has no file_source, nothing to download", r.Line, r.SeriesID)
			}
			continue
		}
		if seen[r.Source] {
			continue
		}
		seen[r.Source] = true
		links = append(links, r.Source)
	}
	return links
}

// writeLinkList writes one URI per line. An existing file at path is
// overwritten without asking.
func writeLinkList(links []string, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "could not create the links file %s", path)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, link := range links {
		if _, err := fmt.Fprintln(w, link); err != nil {
			return errors.Wrapf(err, "could not write to %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "could not write to %s", path)
	}
	return nil
}

// readLinkList is the inverse of writeLinkList.
func readLinkList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open the links file %s", path)
	}
	defer f.Close()
	var links []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			links = append(links, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "could not read %s", path)
	}
	return links, nil
}

// writeFilteredTable writes the subset table back in the NDA shape: tab
// separated, every field quoted, description row restored after the header.
func writeFilteredTable(table *FastTrackTable, records []FastTrackRecord, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "could not create the filtered table %s", path)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	writeRow := func(fields []string) error {
		quoted := make([]string, len(fields))
		for i, v := range fields {
			quoted[i] = "\"" + strings.ReplaceAll(v, "\"", "\"\"") + "\""
		}
		_, err := fmt.Fprintln(w, strings.Join(quoted, "\t"))
		return err
	}

	if err := writeRow(table.Header); err != nil {
		return errors.Wrapf(err, "could not write to %s", path)
	}
	if len(table.Description) > 0 {
		if err := writeRow(table.Description); err != nil {
			return errors.Wrapf(err, "could not write to %s", path)
		}
	}
	for _, r := range records {
		row := make([]string, len(table.Header))
		for i, name := range table.Header {
			row[i] = r.Extra[strings.TrimSpace(name)]
		}
		if err := writeRow(row); err != nil {
			return errors.Wrapf(err, "could not write to %s", path)
		}
	}
	return errors.Wrapf(w.Flush(), "could not write to %s", path)
}

// uniqueParticipants counts distinct subjects over the records.
func uniqueParticipants(records []FastTrackRecord) int {
	set := make(map[string]bool)
	for _, r := range records {
		set[r.Subject] = true
	}
	return len(set)
}

// uniqueSessions counts distinct subject and session pairs.
func uniqueSessions(records []FastTrackRecord) int {
	set := make(map[SubjectSession]bool)
	for _, r := range records {
		set[SubjectSession{r.Subject, r.Session}] = true
	}
	return len(set)
}

// filterSuffix builds the output naming convention, like
// filtered_all-anat_p-11807_s-19104.
func filterSuffix(datatypes []string, records []FastTrackRecord) string {
	return fmt.Sprintf("filtered_%s_p-%d_s-%d",
		datatypesSuffix(datatypes), uniqueParticipants(records), uniqueSessions(records))
}

// readLines reads a newline separated plain text file, one entry per line.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, errors.Wrapf(scanner.Err(), "could not read %s", path)
}

// readPairsCSV reads the preferred participant,session pairing file: no
// header, exactly one participant ID, a comma and one session ID per line.
func readPairsCSV(path string) ([]SubjectSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	defer f.Close()
	var pairs []SubjectSession
	line := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		split := strings.Split(text, ",")
		if len(split) != 2 {
			return nil, &MalformedInputError{Path: path, Line: line,
				Reason: "expected exactly one participant ID, a comma and one session ID"}
		}
		subject, err := normalizeSubject(split[0])
		if err != nil {
			return nil, &MalformedInputError{Path: path, Line: line, Reason: err.Error()}
		}
		session, err := parseSession(split[1])
		if err != nil {
			return nil, &MalformedInputError{Path: path, Line: line, Reason: err.Error()}
		}
		pairs = append(pairs, SubjectSession{Subject: subject, Session: session})
	}
	return pairs, errors.Wrapf(scanner.Err(), "could not read %s", path)
}
