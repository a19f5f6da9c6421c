package pullrequest

import (
	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/odvcencio/vcshub/internal/models"
	"github.com/odvcencio/vcshub/internal/vcs"
)

const (
	// contextBefore and contextAfter bound the lines around a comment
	// anchor that must survive an update for the comment to move with it.
	contextBefore = 3
	contextAfter  = 3
	// diffContext is the context requested when diffing for comment
	// relocation.
	diffContext = contextBefore + contextAfter
)

// diffLine is one rendered line of a file diff. Old is zero for added
// lines and New is zero for removed lines.
type diffLine struct {
	Old  int
	New  int
	Op   gitdiff.LineOp
	Text string
}

// fileLines indexes the rendered lines of every file in a diff.
type fileLines map[string][][]diffLine

func indexDiff(d *vcs.Diff) (fileLines, error) {
	files, err := d.Files()
	if err != nil {
		return nil, err
	}
	out := make(fileLines, len(files))
	for _, f := range files {
		path := vcs.FilePath(f)
		for _, frag := range f.TextFragments {
			oldNo, newNo := int(frag.OldPosition), int(frag.NewPosition)
			hunk := make([]diffLine, 0, len(frag.Lines))
			for _, l := range frag.Lines {
				dl := diffLine{Op: l.Op, Text: l.Line}
				switch l.Op {
				case gitdiff.OpContext:
					dl.Old, dl.New = oldNo, newNo
					oldNo++
					newNo++
				case gitdiff.OpDelete:
					dl.Old = oldNo
					oldNo++
				case gitdiff.OpAdd:
					dl.New = newNo
					newNo++
				}
				hunk = append(hunk, dl)
			}
			out[path] = append(out[path], hunk)
		}
	}
	return out, nil
}

func (d diffLine) matches(side byte, line int) bool {
	if side == 'o' {
		return d.Old == line && d.Op != gitdiff.OpAdd
	}
	return d.New == line && d.Op != gitdiff.OpDelete
}

// lineContext returns the lines around the anchor and how many of them
// precede it, or nil when the anchor is not visible in the diff.
func (fl fileLines) lineContext(path string, side byte, line int) ([]diffLine, int) {
	for _, hunk := range fl[path] {
		for i, dl := range hunk {
			if !dl.matches(side, line) {
				continue
			}
			lo := max(0, i-contextBefore)
			hi := min(len(hunk), i+contextAfter+1)
			return hunk[lo:hi], i - lo
		}
	}
	return nil, 0
}

func sameContext(a, b []diffLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Op != b[i].Op || a[i].Text != b[i].Text {
			return false
		}
	}
	return true
}

// findContext returns every line of path sitting at offset inside a run
// equal to context.
func (fl fileLines) findContext(path string, context []diffLine, offset int) []diffLine {
	var found []diffLine
	for _, hunk := range fl[path] {
		for start := 0; start+len(context) <= len(hunk); start++ {
			if sameContext(hunk[start:start+len(context)], context) {
				found = append(found, hunk[start+offset])
			}
		}
	}
	return found
}

// CommentUpdate is the new position or state of one inline comment.
type CommentUpdate struct {
	CommentID    int64
	LineNo       string
	DisplayState string
}

// Outdated reports whether the comment no longer applies to the diff.
func (u CommentUpdate) Outdated() bool {
	return u.DisplayState == models.CommentDisplayStateOutdated
}

// OutdateComments re-anchors the inline comments made against oldDiff onto
// newDiff. A comment whose surrounding lines still appear in the new diff
// moves to the matching line; one whose context is gone is outdated.
// Comments that need no change are left out of the result.
func OutdateComments(comments []models.Comment, oldDiff, newDiff *vcs.Diff) ([]CommentUpdate, error) {
	oldLines, err := indexDiff(oldDiff)
	if err != nil {
		return nil, err
	}
	newLines, err := indexDiff(newDiff)
	if err != nil {
		return nil, err
	}

	var updates []CommentUpdate
	for i := range comments {
		c := &comments[i]
		if !c.IsInline() || c.Outdated() {
			continue
		}
		side, line, err := models.ParseLineNo(c.LineNo)
		if err != nil {
			updates = append(updates, CommentUpdate{CommentID: c.ID, LineNo: c.LineNo, DisplayState: models.CommentDisplayStateOutdated})
			continue
		}
		oldCtx, offset := oldLines.lineContext(c.FilePath, side, line)
		newCtx, _ := newLines.lineContext(c.FilePath, side, line)
		if sameContext(oldCtx, newCtx) && (oldCtx != nil) == (newCtx != nil) {
			continue
		}
		if oldCtx == nil || !shouldRelocate(line) {
			updates = append(updates, CommentUpdate{CommentID: c.ID, LineNo: c.LineNo, DisplayState: models.CommentDisplayStateOutdated})
			continue
		}
		candidates := newLines.findContext(c.FilePath, oldCtx, offset)
		if len(candidates) == 0 {
			updates = append(updates, CommentUpdate{CommentID: c.ID, LineNo: c.LineNo, DisplayState: models.CommentDisplayStateOutdated})
			continue
		}
		target := closestLine(side, line, candidates)
		lineNo := anchorOf(side, target)
		if lineNo != c.LineNo {
			updates = append(updates, CommentUpdate{CommentID: c.ID, LineNo: lineNo, DisplayState: c.DisplayState})
		}
	}
	return updates, nil
}

// shouldRelocate rejects anchors in the first lines of a file. Lines added
// above them would still leave their context intact and the comment would
// wrongly follow.
func shouldRelocate(line int) bool {
	return line > contextBefore
}

func closestLine(side byte, line int, candidates []diffLine) diffLine {
	best := candidates[0]
	bestDist := -1
	for _, c := range candidates {
		n := c.New
		if side == 'o' || n == 0 {
			n = c.Old
		}
		dist := n - line
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best
}

func anchorOf(side byte, dl diffLine) string {
	if side == 'o' && dl.Old > 0 {
		return models.FormatLineNo('o', dl.Old)
	}
	if dl.New > 0 {
		return models.FormatLineNo('n', dl.New)
	}
	return models.FormatLineNo('o', dl.Old)
}
