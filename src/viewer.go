package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/image/draw"
)

// from http://paulbourke.net/dataformats/asciiart/
var asciiTable = "$@B%8&WM#*oahkbdpqwmZO0QLCJUYXzcvunxrjft/\\|()1{}[]?-_+~<>i!lI;:,\"^`'."

// reverse reverses the argument and returns the result
func reverse(s string) string {
	o := make([]rune, utf8.RuneCountInString(s))
	i := len(o)
	for _, c := range s {
		i--
		o[i] = c
	}
	return string(o)
}

// imageToASCII renders a grayscale image as ASCII art. The gray values are
// windowed to the 2%..98% range of the intensity histogram for contrast.
func imageToASCII(img image.Image, w, h int, photometricInterpretation string) []byte {
	table := []byte(reverse(asciiTable))
	if photometricInterpretation == "MONOCHROME1" { // only valid if samples per pixel is 1
		table = []byte(asciiTable)
	}
	buf := new(bytes.Buffer)

	gray := func(x, y int) int64 {
		g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
		return int64(g.Y)
	}

	maxVal := gray(0, 0)
	minVal := maxVal
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			y := gray(j, i)
			if y > maxVal {
				maxVal = y
			}
			if y < minVal {
				minVal = y
			}
		}
	}

	var histogram [1024]int64
	bins := len(histogram)
	spread := maxVal - minVal
	if spread == 0 {
		spread = 1
	}
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			y := gray(j, i)
			idx := int(math.Round(float64(y-minVal) / float64(spread) * float64(bins-1)))
			idx = int(math.Min(float64(bins)-1, math.Max(0, float64(idx))))
			histogram[idx] += 1
		}
	}
	sum := int64(0)
	for i := 0; i < bins; i++ {
		sum += histogram[i]
	}
	var min2 int64 = minVal
	s := int64(0)
	for i := 0; i < bins; i++ {
		s += histogram[i]
		if float32(s) >= (float32(sum) * 2.0 / 100.0) {
			min2 = minVal + int64(float32(i)/float32(bins)*float32(spread))
			break
		}
	}
	var max98 int64 = maxVal
	s = 0
	for i := 0; i < bins; i++ {
		s += histogram[i]
		if float32(s) >= (float32(sum) * 98.0 / 100.0) {
			max98 = minVal + int64(float32(i)/float32(bins)*float32(spread))
			break
		}
	}

	denom := max98 - min2
	if denom == 0 {
		denom = 1
	}
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			y := gray(j, i)
			pos := int((float32(y) - float32(min2)) * float32(len(table)-1) / float32(denom))
			pos = int(math.Min(float64(len(table)-1), math.Max(0, float64(pos))))
			_ = buf.WriteByte(table[pos])
		}
		_ = buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// renderSliceASCII parses one slice file and renders its first frame as
// ASCII art sized for a terminal panel.
func renderSliceASCII(path string, cols int, rows int) (string, error) {
	dataset, err := dicom.ParseFile(path, nil)
	if err != nil {
		return "", errors.Wrapf(err, "could not parse %s", path)
	}
	pixelDataElement, err := dataset.FindElementByTag(tag.PixelData)
	if err != nil {
		return "", fmt.Errorf("%s has no pixel data", path)
	}

	var photometricInterpretation string = "MONOCHROME2"
	photometricVal, err := dataset.FindElementByTag(tag.PhotometricInterpretation)
	if err == nil {
		photometricInterpretation = dicom.MustGetStrings(photometricVal.Value)[0]
	}

	pixelDataInfo := dicom.MustGetPixelDataInfo(pixelDataElement.Value)
	if len(pixelDataInfo.Frames) == 0 {
		return "", fmt.Errorf("%s has no frames", path)
	}
	img, err := pixelDataInfo.Frames[0].GetImage()
	if err != nil {
		return "", errors.Wrapf(err, "could not decode %s", path)
	}

	// terminal character cells are about twice as tall as wide
	rect := image.Rect(0, 0, cols, rows)
	scaled := image.NewGray16(rect)
	draw.ApproxBiLinear.Scale(scaled, rect, img, img.Bounds(), draw.Over, nil)

	ascii := imageToASCII(scaled, cols, rows, photometricInterpretation)
	origBounds := img.Bounds()
	return string(ascii) + fmt.Sprintf("%s (%dx%d)\n", path, origBounds.Max.X, origBounds.Max.Y), nil
}
