package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PipelineOptions drives one pipeline run. The three stages wrap the
// external downloadcmd and dcm2bids tools, nothing of those is reimplemented
// here.
type PipelineOptions struct {
	PackageID         int
	LinksFile         string
	Dcm2BidsConfig    string
	OutputDir         string
	TempDir           string
	Preserve          []string // LOGS, TGZ, DICOM, BIDS
	NDownload         int
	NUnpack           int
	NConvert          int
	DisableWorkaround bool
}

func (opts PipelineOptions) preserves(what string) bool {
	for _, p := range opts.Preserve {
		if strings.EqualFold(p, what) {
			return true
		}
	}
	return false
}

// pipelineSuffix derives the per-run working directory name from the links
// file, so repeated runs with different filters do not collide.
func pipelineSuffix(linksFile string) string {
	stem := strings.TrimSuffix(filepath.Base(linksFile), filepath.Ext(linksFile))
	return strings.TrimPrefix(stem, "s3_links_")
}

// collectGlob returns the sorted matches of pattern, restricted to files or
// directories.
func collectGlob(pattern string, mode string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "bad glob pattern %s", pattern)
	}
	var out []string
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		switch mode {
		case "files":
			if info.Mode().IsRegular() {
				out = append(out, match)
			}
		case "directories":
			if info.IsDir() {
				out = append(out, match)
			}
		default:
			return nil, fmt.Errorf("invalid collectGlob mode: %s", mode)
		}
	}
	sort.Strings(out)
	return out, nil
}

// runCommand executes one external tool, storing its stdout and stderr under
// logDir next to the other stage logs.
func runCommand(logger *zap.SugaredLogger, logDir string, name string, args ...string) error {
	cmd_str := name + " " + strings.Join(args, " ")
	logger.Debugf("running %s", cmd_str)

	cmd := exec.Command(name, args...)
	var outb, errb bytes.Buffer
	cmd.Stdout = &outb
	cmd.Stderr = &errb
	runErr := cmd.Run()

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err == nil {
			base := filepath.Join(logDir, filepath.Base(name))
			writeLog := func(path string, buf *bytes.Buffer) {
				f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if err != nil {
					logger.Warnf("could not open the log file %s", path)
					return
				}
				defer f.Close()
				if _, err := f.WriteString(buf.String()); err != nil {
					logger.Warnf("could not write to the log file %s", path)
				}
			}
			writeLog(base+".stdout.log", &outb)
			writeLog(base+".stderr.log", &errb)
		}
	}

	if runErr != nil {
		return errors.Wrapf(runErr, "could not run\n\t%s\n%s", cmd_str, errb.String())
	}
	return nil
}

// unpackTGZ extracts one fast track series TGZ into outputDir. The archives
// already carry the sub-*/ses-* folder layout.
func unpackTGZ(tgzFile string, outputDir string) error {
	f, err := os.Open(tgzFile)
	if err != nil {
		return errors.Wrapf(err, "could not open %s", tgzFile)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "%s is not a gzip compressed archive", tgzFile)
	}
	defer gz.Close()

	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "could not read the archive %s", tgzFile)
		}
		target := filepath.Join(outputDir, filepath.Clean(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(outputDir)+string(os.PathSeparator)) {
			continue // entries that would land outside of outputDir
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "could not create %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Wrapf(err, "could not create %s", filepath.Dir(target))
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return errors.Wrapf(err, "could not create %s", target)
			}
			if _, err := io.Copy(out, reader); err != nil {
				out.Close()
				return errors.Wrapf(err, "could not extract %s from %s", header.Name, tgzFile)
			}
			out.Close()
		}
	}
	return nil
}

// runPipeline walks the three stages in order, respecting the preserve
// selection the same way the original workflow did: LOGS alone produces
// nothing, TGZ alone stops after the download, BIDS is needed to convert.
func runPipeline(opts PipelineOptions, logger *zap.SugaredLogger) error {
	suffix := pipelineSuffix(opts.LinksFile)
	workRoot := opts.OutputDir
	if opts.TempDir != "" {
		workRoot = opts.TempDir
	}
	workDir := filepath.Join(workRoot, suffix)

	tgzRoot := filepath.Join(workDir, "TGZ")
	dicomRoot := filepath.Join(workDir, "DICOM")
	bidsRoot := filepath.Join(workDir, "BIDS")
	logRoot := filepath.Join(workDir, "pipeline")
	cleanupDir := opts.OutputDir

	if len(opts.Preserve) == 1 && opts.preserves("LOGS") {
		return errors.New("only the LOGS option was selected to be preserved. You MUST choose to preserve something besides LOGS to produce files")
	}

	// download the TGZ files
	if err := os.MkdirAll(tgzRoot, 0755); err != nil {
		return errors.Wrapf(err, "could not create %s", tgzRoot)
	}
	err := runCommand(logger, filepath.Join(logRoot, "download"), "downloadcmd",
		"-dp", fmt.Sprintf("%d", opts.PackageID),
		"-t", opts.LinksFile,
		"-d", tgzRoot,
		"--workerThreads", fmt.Sprintf("%d", opts.NDownload))
	if err != nil {
		return err
	}

	if len(opts.Preserve) == 1 && opts.preserves("TGZ") {
		logger.Warn("DICOM and BIDS intermediary files are not to be preserved and will not be produced.")
		return preserveOutputs(opts, workDir, cleanupDir, logRoot, logger)
	}

	// unpack them in parallel
	if err := os.MkdirAll(dicomRoot, 0755); err != nil {
		return errors.Wrapf(err, "could not create %s", dicomRoot)
	}
	tgzs, err := collectGlob(filepath.Join(tgzRoot, "image03", "*.tgz"), "files")
	if err != nil {
		return err
	}
	logger.Infof("unpacking %d TGZ files", len(tgzs))
	if opts.NUnpack < 1 {
		opts.NUnpack = 1
	}
	var unpack errgroup.Group
	unpack.SetLimit(opts.NUnpack)
	for _, tgz := range tgzs {
		tgz := tgz
		unpack.Go(func() error {
			return unpackTGZ(tgz, dicomRoot)
		})
	}
	if err := unpack.Wait(); err != nil {
		return err
	}

	if !opts.preserves("BIDS") {
		logger.Warn("BIDS files are not to be preserved and so will not be produced.")
		return preserveOutputs(opts, workDir, cleanupDir, logRoot, logger)
	}

	// the first volume of some func runs is stored as raw data and breaks
	// dcm2niix, remove those volumes unless told otherwise
	if !opts.DisableWorkaround {
		if err := removeCorruptVolumes(dicomRoot, opts.NConvert, false, logger); err != nil {
			return err
		}
	}

	// convert each session with dcm2bids
	if err := os.MkdirAll(bidsRoot, 0755); err != nil {
		return errors.Wrapf(err, "could not create %s", bidsRoot)
	}
	sessions, err := collectGlob(filepath.Join(dicomRoot, "sub-*", "ses-*"), "directories")
	if err != nil {
		return err
	}
	logger.Infof("converting %d sessions", len(sessions))
	if opts.NConvert < 1 {
		opts.NConvert = 1
	}
	var convert errgroup.Group
	convert.SetLimit(opts.NConvert)
	for _, session := range sessions {
		session := session
		convert.Go(func() error {
			participant := filepath.Base(filepath.Dir(session))
			ses := filepath.Base(session)
			return runCommand(logger, filepath.Join(logRoot, "convert"), "dcm2bids",
				"-p", participant,
				"-s", ses,
				"-d", session,
				"-c", opts.Dcm2BidsConfig,
				"-o", bidsRoot)
		})
	}
	if err := convert.Wait(); err != nil {
		return err
	}

	return preserveOutputs(opts, workDir, cleanupDir, logRoot, logger)
}

// preserveOutputs moves the selected intermediaries into the output
// directory and removes the per-run working directory.
func preserveOutputs(opts PipelineOptions, workDir string, cleanupDir string, logRoot string, logger *zap.SugaredLogger) error {
	suffix := filepath.Base(workDir)
	tgzRoot := filepath.Join(workDir, "TGZ")
	dicomRoot := filepath.Join(workDir, "DICOM")
	bidsRoot := filepath.Join(workDir, "BIDS")

	rsync := func(src string, dst string) error {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return errors.Wrapf(err, "could not create %s", dst)
		}
		// glob expansion needs a shell, same as the original rsync stages
		return runCommand(logger, filepath.Join(logRoot, "preserve"), "bash", "-c",
			fmt.Sprintf("rsync -art %s %s", src, dst))
	}

	if opts.preserves("BIDS") {
		if matches, _ := collectGlob(filepath.Join(bidsRoot, "sub-*"), "directories"); len(matches) > 0 {
			if err := rsync(filepath.Join(bidsRoot, "sub-*"), filepath.Join(cleanupDir, "rawdata")+"/"); err != nil {
				return err
			}
		}
		if err := retrieveTaskEvents(dicomRoot, cleanupDir, logger); err != nil {
			return err
		}
		if err := combineScansTSVs(filepath.Join(cleanupDir, "rawdata"), logger); err != nil {
			return err
		}
	}
	if opts.preserves("DICOM") {
		if err := rsync(dicomRoot+"/*", filepath.Join(cleanupDir, "sourcedata", "DICOM")+"/"); err != nil {
			return err
		}
	}
	if opts.preserves("TGZ") {
		if err := rsync(tgzRoot+"/*", filepath.Join(cleanupDir, "sourcedata", "TGZ")+"/"); err != nil {
			return err
		}
	}
	if opts.preserves("LOGS") {
		if err := rsync(logRoot, filepath.Join(cleanupDir, "code", "logs", suffix)+"/"); err != nil {
			return err
		}
	}

	logger.Debugf("removing the working directory %s", workDir)
	return errors.Wrapf(os.RemoveAll(workDir), "could not clean up %s", workDir)
}
