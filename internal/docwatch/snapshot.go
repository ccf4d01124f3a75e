package docwatch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
)

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func compressContent(content string) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write([]byte(content)); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressContent(compressed []byte) (string, error) {
	reader, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// NewSnapshot compresses content into a DocumentSnapshot.
func NewSnapshot(documentID string, revision int64, content string, capturedAt time.Time) (DocumentSnapshot, error) {
	compressed, err := compressContent(content)
	if err != nil {
		return DocumentSnapshot{}, err
	}
	return DocumentSnapshot{
		DocumentID:  documentID,
		Revision:    revision,
		ContentHash: hashContent(content),
		Compressed:  compressed,
		CapturedAt:  capturedAt,
	}, nil
}

// Content decompresses the snapshot payload.
func (s DocumentSnapshot) Content() (string, error) {
	if len(s.Compressed) == 0 {
		return "", nil
	}
	return decompressContent(s.Compressed)
}

const maxChangedSections = 16

// ComputeDiffSummary compares two content versions line by line and reports
// added/removed character counts plus the headings of sections whose content
// changed. The diff describes a change for notification text; it is never an
// input to change detection.
func ComputeDiffSummary(documentID, oldContent, newContent string, now time.Time) DiffSummary {
	summary := DiffSummary{
		DocumentID: documentID,
		ToHash:     hashContent(newContent),
		ComputedAt: now,
	}
	if oldContent != "" {
		summary.FromHash = hashContent(oldContent)
	}

	oldCounts := lineCounts(oldContent)
	newCounts := lineCounts(newContent)
	for line, count := range newCounts {
		if extra := count - oldCounts[line]; extra > 0 {
			summary.AddedChars += extra * utf8.RuneCountInString(line)
		}
	}
	for line, count := range oldCounts {
		if extra := count - newCounts[line]; extra > 0 {
			summary.RemovedChars += extra * utf8.RuneCountInString(line)
		}
	}

	oldSections := sectionHashes(oldContent)
	newSections := sectionHashes(newContent)
	seen := map[string]struct{}{}
	appendSection := func(heading string) {
		if _, dup := seen[heading]; dup || len(summary.ChangedSections) >= maxChangedSections {
			return
		}
		seen[heading] = struct{}{}
		summary.ChangedSections = append(summary.ChangedSections, heading)
	}
	for heading, hash := range newSections {
		if oldHash, ok := oldSections[heading]; !ok || oldHash != hash {
			appendSection(heading)
		}
	}
	for heading := range oldSections {
		if _, ok := newSections[heading]; !ok {
			appendSection(heading)
		}
	}
	return summary
}

func lineCounts(content string) map[string]int {
	counts := map[string]int{}
	for _, line := range strings.Split(content, "\n") {
		counts[line]++
	}
	return counts
}

// sectionHashes splits content at markdown headings and hashes each
// section's body. Content before the first heading is keyed by "".
func sectionHashes(content string) map[string]string {
	sections := map[string]string{}
	heading := ""
	var body strings.Builder
	flush := func() {
		if heading == "" && body.Len() == 0 {
			return
		}
		sections[heading] = hashContent(body.String())
		body.Reset()
	}
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			flush()
			heading = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return sections
}
