package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Some fMRI series carry an extra leading volume whose slices are stored
// under the Raw Data Storage SOP class. dcm2niix trips over those, so they
// get removed before conversion.
const rawDataStorageUID = "1.2.840.10008.5.1.4.1.1.66"

// Philips private tag holding the number of temporal positions in the series.
var temporalPositionsTag = tag.Tag{Group: 0x2001, Element: 0x1081}

const slicesPerVolume = 60

func elementString(dataset dicom.Dataset, t tag.Tag) (string, error) {
	el, err := dataset.FindElementByTag(t)
	if err != nil {
		return "", err
	}
	if el.Value.ValueType() == dicom.Strings {
		values := el.Value.GetValue().([]string)
		if len(values) > 0 {
			return strings.TrimSpace(values[0]), nil
		}
	}
	return "", fmt.Errorf("tag %s holds no string value", t)
}

// seriesSOPClassUID reads the media storage SOP class of one slice file.
func seriesSOPClassUID(path string) (string, error) {
	dataset, err := dicom.ParseFile(path, nil)
	if err != nil {
		return "", errors.Wrapf(err, "could not parse %s", path)
	}
	uid, err := elementString(dataset, tag.MediaStorageSOPClassUID)
	if err != nil {
		return "", errors.Wrapf(err, "no SOP class UID in %s", path)
	}
	return uid, nil
}

// seriesTemporalPositions reads the temporal position count of one slice
// file.
func seriesTemporalPositions(path string) (int, error) {
	dataset, err := dicom.ParseFile(path, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "could not parse %s", path)
	}
	value, err := elementString(dataset, temporalPositionsTag)
	if err != nil {
		return 0, errors.Wrapf(err, "no temporal positions in %s", path)
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "bad temporal positions value %q in %s", value, path)
	}
	return count, nil
}

// firstVolumeFiles names the slice files of the leading volume. The slices
// are interleaved across volumes, one slice every temporalPositions files,
// starting from the file numbered 000001.
func firstVolumeFiles(slices []string, temporalPositions int) ([]string, error) {
	if temporalPositions < 1 {
		return nil, fmt.Errorf("invalid temporal position count %d", temporalPositions)
	}
	first := filepath.Base(slices[0])
	if !strings.Contains(first, "000001") {
		return nil, fmt.Errorf("unexpected slice file naming in %s", first)
	}
	dir := filepath.Dir(slices[0])
	var files []string
	for i := 0; i < slicesPerVolume; i++ {
		index := fmt.Sprintf("%06d", (i*temporalPositions)+1)
		files = append(files, filepath.Join(dir, strings.Replace(first, "000001", index, 1)))
	}
	return files, nil
}

// checkSeries decides whether one functional series needs the leading volume
// removed. It returns the files to delete, or nothing when the series is
// fine.
func checkSeries(seriesDir string, logger *zap.SugaredLogger) ([]string, error) {
	slices, err := collectGlob(filepath.Join(seriesDir, "*.dcm"), "files")
	if err != nil {
		return nil, err
	}
	if len(slices) == 0 {
		return nil, nil
	}
	uid, err := seriesSOPClassUID(slices[0])
	if err != nil {
		return nil, err
	}
	if uid != rawDataStorageUID {
		return nil, nil
	}
	temporalPositions, err := seriesTemporalPositions(slices[0])
	if err != nil {
		return nil, err
	}
	if temporalPositions*slicesPerVolume != len(slices) {
		logger.Warnf("%s looks corrupt but has %d slices for %d temporal positions, leaving it alone",
			seriesDir, len(slices), temporalPositions)
		return nil, nil
	}
	return firstVolumeFiles(slices, temporalPositions)
}

// removeCorruptVolumes scans every functional series under dicomRoot and
// deletes the leading raw data volumes. With dryRun set it only reports what
// would go.
func removeCorruptVolumes(dicomRoot string, workers int, dryRun bool, logger *zap.SugaredLogger) error {
	seriesDirs, err := collectGlob(filepath.Join(dicomRoot, "sub-*", "ses-*", "func", "*"), "directories")
	if err != nil {
		return err
	}
	logger.Infof("checking %d functional series for corrupt volumes", len(seriesDirs))

	if workers < 1 {
		workers = 1
	}
	var group errgroup.Group
	group.SetLimit(workers)
	for _, seriesDir := range seriesDirs {
		seriesDir := seriesDir
		group.Go(func() error {
			files, err := checkSeries(seriesDir, logger)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return nil
			}
			if dryRun {
				logger.Infof("would remove %d slice files from %s", len(files), seriesDir)
				return nil
			}
			logger.Infof("removing the leading volume of %s", seriesDir)
			for _, file := range files {
				if err := os.Remove(file); err != nil {
					return errors.Wrapf(err, "could not remove %s", file)
				}
			}
			return nil
		})
	}
	return group.Wait()
}
