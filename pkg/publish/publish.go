// Package publish exports finished manuscripts.
//
// A publisher receives the completed job and its manuscript artifact and
// returns the location it wrote to. Two targets are provided: a local
// directory and S3-compatible object storage.
package publish

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// Targets accepted by configuration.
const (
	TargetNone = "none"
	TargetFile = "file"
	TargetS3   = "s3"
)

const maxSlugRunes = 80

// Sentinel errors for publishing.
var (
	ErrNoManuscript       = errors.New("manuscript is empty")
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// Error wraps a publish failure with its target and location.
type Error struct {
	Op       string
	Target   string
	Location string
	Err      error
}

func (e *Error) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("publish %s %s %s: %v", e.Target, e.Op, e.Location, e.Err)
	}
	return fmt.Sprintf("publish %s %s: %v", e.Target, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ObjectName returns "<prefix>/<job id>/<slug>.md", the relative name every
// target writes a manuscript under.
func ObjectName(prefix string, job *pipeline.Job) string {
	name := Slug(job.Brief.Title)
	if name == "" {
		name = "manuscript"
	}
	return path.Join(strings.Trim(prefix, "/"), job.ID, name+".md")
}

// Slug lowercases s and keeps letters and digits, joining runs of anything
// else with a single dash.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	out := []rune(b.String())
	if len(out) > maxSlugRunes {
		out = out[:maxSlugRunes]
	}
	return strings.TrimRight(string(out), "-")
}

func checkManuscript(m *pipeline.Artifact) error {
	if m == nil || strings.TrimSpace(m.Content) == "" {
		return ErrNoManuscript
	}
	return nil
}
