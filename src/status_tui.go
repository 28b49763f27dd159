package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// StatusTUI shows a filtered fast track table as a tree of participants,
// sessions and series. When the unpacked DICOM files exist locally the
// selected series is animated as ASCII art in the viewer panel.
type StatusTUI struct {
	table              *FastTrackTable
	records            []FastTrackRecord
	dicomRoot          string
	viewer             *tview.TextView
	summary            *tview.TextView
	selection          *tview.TreeView
	app                *tview.Application
	flex               *tview.Flex
	selectedSlices     []string
	currentImage       int
	stopAnimation      bool
	lastSelectedSeries string
}

// seriesDir is where the slices of one record end up after unpacking.
func (statusTUI *StatusTUI) seriesDir(record FastTrackRecord) string {
	return filepath.Join(statusTUI.dicomRoot,
		"sub-"+record.Subject,
		"ses-"+record.Session,
		record.Datatype)
}

func (statusTUI *StatusTUI) showSummary(record FastTrackRecord) {
	statusTUI.summary.Clear()
	complete := "no"
	if record.Complete {
		complete = "yes"
	}
	recalled := "no"
	if record.Recalled {
		recalled = fmt.Sprintf("yes (%s)", record.RecallReason)
	}
	fmt.Fprintf(statusTUI.summary, "%s\n\nsubject:   %s\nsession:   %s\ntimestamp: %s\ncomplete:  %s\nrecalled:  %s\n\n%s\n",
		record.Datatype, record.Subject, record.Session, record.Timestamp, complete, recalled, record.Source)
}

func (statusTUI *StatusTUI) Init() {
	if len(statusTUI.records) == 0 {
		fmt.Println("Warning: there are no series to visualize")
	}
	newPrimitive := func(text string) *tview.TextView {
		return tview.NewTextView().
			SetTextAlign(tview.AlignLeft).
			SetText(text)
	}
	statusTUI.summary = newPrimitive("")
	statusTUI.summary.SetBorder(true).SetTitle("Current selection")
	statusTUI.viewer = newPrimitive("").SetDynamicColors(true)
	statusTUI.viewer.SetBorder(true).SetTitle("DICOM")
	statusTUI.selection = tview.NewTreeView()
	statusTUI.selection.SetBorder(true)
	statusTUI.selection.SetTitle("Participants")

	statusTUI.flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(tview.NewFlex().SetDirection(tview.FlexColumn).
			AddItem(statusTUI.summary, 40, 1, false).
			AddItem(statusTUI.viewer, 0, 1, true), 0, 1, false).
		AddItem(statusTUI.selection, 12, 1, false)

	// group the records by participant and session, keep everything sorted
	// so the tree is stable between runs
	bySubject := make(map[string]map[string][]FastTrackRecord)
	for _, record := range statusTUI.records {
		if bySubject[record.Subject] == nil {
			bySubject[record.Subject] = make(map[string][]FastTrackRecord)
		}
		bySubject[record.Subject][record.Session] = append(bySubject[record.Subject][record.Session], record)
	}
	subjects := make([]string, 0, len(bySubject))
	for subject := range bySubject {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)

	root := tview.NewTreeNode(fmt.Sprintf("%d participants", len(subjects))).SetReference(-1)
	statusTUI.selection.SetRoot(root).SetCurrentNode(root)

	for _, subject := range subjects {
		sessions := make([]string, 0, len(bySubject[subject]))
		for session := range bySubject[subject] {
			sessions = append(sessions, session)
		}
		sort.Strings(sessions)
		subjectNode := tview.NewTreeNode(fmt.Sprintf("sub-%s", subject)).
			SetReference(-1).
			SetSelectable(false)
		root.AddChild(subjectNode)
		for _, session := range sessions {
			records := bySubject[subject][session]
			sessionNode := tview.NewTreeNode(fmt.Sprintf("ses-%s (%d series)", session, len(records))).
				SetReference(-1).
				SetSelectable(false)
			subjectNode.AddChild(sessionNode)
			sort.Slice(records, func(i, j int) bool {
				if records[i].Datatype != records[j].Datatype {
					return records[i].Datatype < records[j].Datatype
				}
				return records[i].Timestamp < records[j].Timestamp
			})
			for _, record := range records {
				complete := "[green]complete[-]"
				if !record.Complete {
					complete = "[red]incomplete[-]"
				}
				for idx, candidate := range statusTUI.records {
					if candidate.SeriesID == record.SeriesID {
						seriesNode := tview.NewTreeNode(fmt.Sprintf("%s [gray]%s[-] %s", record.Datatype, record.Timestamp, complete)).
							SetReference(idx).
							SetSelectable(true)
						sessionNode.AddChild(seriesNode)
						break
					}
				}
			}
		}
	}

	statusTUI.selection.SetSelectedFunc(func(node *tview.TreeNode) {
		idx := node.GetReference().(int)
		if idx < 0 || idx >= len(statusTUI.records) {
			return
		}
		record := statusTUI.records[idx]
		// selecting the running series again pauses the animation
		if statusTUI.lastSelectedSeries == record.SeriesID {
			statusTUI.stopAnimation = true
			statusTUI.lastSelectedSeries = ""
			return
		}
		statusTUI.stopAnimation = false
		statusTUI.lastSelectedSeries = record.SeriesID
		statusTUI.showSummary(record)

		statusTUI.selectedSlices = nil
		statusTUI.currentImage = 0
		if statusTUI.dicomRoot == "" {
			statusTUI.viewer.Clear()
			fmt.Fprintf(statusTUI.viewer, "No local DICOM directory given, showing metadata only.\nDownload the series with the pipeline to view it here.\n")
			return
		}
		slices, err := collectGlob(filepath.Join(statusTUI.seriesDir(record), "*.dcm"), "files")
		if err != nil || len(slices) == 0 {
			statusTUI.viewer.Clear()
			fmt.Fprintf(statusTUI.viewer, "The series %s has no local files under %s.\n", record.SeriesID, statusTUI.dicomRoot)
			return
		}
		statusTUI.selectedSlices = slices
	})

	statusTUI.Run()
}

func doEvery(d time.Duration, statusTUI *StatusTUI, f func(*StatusTUI, time.Time)) {
	for x := range time.Tick(d) {
		f(statusTUI, x)
	}
}

func showImage(statusTUI *StatusTUI, idx int) {
	if idx >= len(statusTUI.selectedSlices) {
		idx = len(statusTUI.selectedSlices) - 1
	}
	if idx < 0 {
		idx = 0
	}
	statusTUI.currentImage = idx
	_, _, width, height := statusTUI.viewer.GetInnerRect()
	ascii, err := renderSliceASCII(statusTUI.selectedSlices[idx], width, height-1)
	if err != nil {
		return
	}
	statusTUI.viewer.Clear()
	fmt.Fprintf(statusTUI.viewer, "%s", ascii)
	if statusTUI.app != nil {
		statusTUI.app.Draw()
		statusTUI.viewer.SetTitle(fmt.Sprintf("DICOM image %d/%d", statusTUI.currentImage+1, len(statusTUI.selectedSlices)))
	}
}

// nextImage displays one image from the currently selected image series in the viewer
func nextImage(statusTUI *StatusTUI, t time.Time) {
	if statusTUI.stopAnimation {
		return
	}
	if len(statusTUI.selectedSlices) == 0 {
		return
	}
	idx := ((statusTUI.currentImage) + 1) % len(statusTUI.selectedSlices)
	showImage(statusTUI, idx)
}

func (statusTUI *StatusTUI) Run() {
	statusTUI.stopAnimation = false
	go doEvery(200*time.Millisecond, statusTUI, nextImage)

	statusTUI.app = tview.NewApplication()

	statusTUI.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		k := event.Key()
		prim := statusTUI.app.GetFocus()
		if statusTUI.stopAnimation && prim == statusTUI.viewer {
			if k == tcell.KeyDown {
				showImage(statusTUI, statusTUI.currentImage+1)
			} else if k == tcell.KeyUp {
				showImage(statusTUI, statusTUI.currentImage-1)
			}
		}
		if k == tcell.KeyRune {
			ch := event.Rune()
			if ch == rune('c') {
				statusTUI.stopAnimation = !statusTUI.stopAnimation
			}
			if ch == rune('q') {
				statusTUI.app.Stop()
			}
		}
		return event
	})

	if err := statusTUI.app.SetRoot(statusTUI.flex, true).SetFocus(statusTUI.selection).EnableMouse(true).Run(); err != nil {
		fmt.Println("Error: The status display is only available in a propper terminal.")
		panic(err)
	}
	defer statusTUI.app.Stop()
}

func (statusTUI StatusTUI) Stop() {
	statusTUI.app.Stop()
}
