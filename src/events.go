package main

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// taskNames maps the scanner task labels found in the EventRelatedInformation
// file names to their BIDS task entities.
var taskNames = map[string]string{
	"MID":   "MID",
	"SST":   "SST",
	"nBack": "nback",
}

type eventFile struct {
	Path    string
	Subject string
	Session string
	Task    string
}

// findTaskEvents walks the unpacked DICOM tree and collects the behavioral
// EventRelatedInformation files that ship next to the task fMRI series.
func findTaskEvents(dicomRoot string) ([]eventFile, error) {
	var found []eventFile
	err := filepath.WalkDir(dicomRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), "EventRelatedInformation") {
			return nil
		}
		rel, err := filepath.Rel(dicomRoot, path)
		if err != nil {
			return err
		}
		parts := strings.Split(rel, string(os.PathSeparator))
		// expect sub-*/ses-*/func/.../<file>
		if len(parts) < 4 || !strings.HasPrefix(parts[0], "sub-") || !strings.HasPrefix(parts[1], "ses-") || parts[2] != "func" {
			return nil
		}
		task := ""
		for label, bids := range taskNames {
			if strings.Contains(d.Name(), label) {
				task = bids
				break
			}
		}
		if task == "" {
			return nil
		}
		found = append(found, eventFile{
			Path:    path,
			Subject: parts[0],
			Session: parts[1],
			Task:    task,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not walk %s", dicomRoot)
	}
	// the scanner timestamps embedded in the file names put the runs in
	// acquisition order
	sort.Slice(found, func(i, j int) bool {
		return found[i].Path < found[j].Path
	})
	return found, nil
}

// retrieveTaskEvents copies the collected event files into the sourcedata
// tree with run numbers assigned per subject, session and task.
func retrieveTaskEvents(dicomRoot string, outputDir string, logger *zap.SugaredLogger) error {
	events, err := findTaskEvents(dicomRoot)
	if err != nil {
		return err
	}
	logger.Infof("retrieving %d task event files", len(events))

	runs := make(map[string]int)
	for _, ev := range events {
		key := ev.Subject + "/" + ev.Session + "/" + ev.Task
		runs[key]++
		ext := strings.TrimPrefix(filepath.Ext(ev.Path), ".")
		target_dir := filepath.Join(outputDir, "sourcedata", ev.Subject, ev.Session, "func")
		if err := os.MkdirAll(target_dir, 0755); err != nil {
			return errors.Wrapf(err, "could not create %s", target_dir)
		}
		target := filepath.Join(target_dir, fmt.Sprintf("%s_%s_task-%s_run-%02d_bold_EventRelatedInformation.%s",
			ev.Subject, ev.Session, ev.Task, runs[key], ext))
		if err := copyFile(ev.Path, target); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "could not open %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "could not create %s", dst)
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return errors.Wrapf(err, "could not copy %s to %s", src, dst)
}

// combineScansTSVs concatenates the per-run scans files dcm2bids leaves
// behind into the single <ses>_scans.tsv file BIDS expects, one per session.
func combineScansTSVs(rawdataDir string, logger *zap.SugaredLogger) error {
	sessions, err := collectGlob(filepath.Join(rawdataDir, "sub-*", "ses-*"), "directories")
	if err != nil {
		return err
	}
	for _, session := range sessions {
		parts, err := collectGlob(filepath.Join(session, "scans_*.tsv"), "files")
		if err != nil {
			return err
		}
		if len(parts) == 0 {
			continue
		}
		subject := filepath.Base(filepath.Dir(session))
		ses := filepath.Base(session)
		target := filepath.Join(session, fmt.Sprintf("%s_%s_scans.tsv", subject, ses))
		logger.Debugf("combining %d scans files into %s", len(parts), target)

		out, err := os.Create(target)
		if err != nil {
			return errors.Wrapf(err, "could not create %s", target)
		}
		writer := bufio.NewWriter(out)
		wroteHeader := false
		for _, part := range parts {
			f, err := os.Open(part)
			if err != nil {
				out.Close()
				return errors.Wrapf(err, "could not open %s", part)
			}
			scanner := bufio.NewScanner(f)
			first := true
			for scanner.Scan() {
				if first {
					first = false
					if wroteHeader {
						continue
					}
					wroteHeader = true
				}
				fmt.Fprintln(writer, scanner.Text())
			}
			f.Close()
			if err := scanner.Err(); err != nil {
				out.Close()
				return errors.Wrapf(err, "could not read %s", part)
			}
		}
		if err := writer.Flush(); err != nil {
			out.Close()
			return errors.Wrapf(err, "could not write %s", target)
		}
		out.Close()
		for _, part := range parts {
			if err := os.Remove(part); err != nil {
				return errors.Wrapf(err, "could not remove %s", part)
			}
		}
	}
	return nil
}
