package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// Outline is the chapter and scene layout that drives fan-out.
type Outline struct {
	Chapters []Chapter `json:"chapters"`
}

// Chapter is one outline chapter.
type Chapter struct {
	Title  string  `json:"title"`
	Scenes []Scene `json:"scenes"`
}

// Scene is one outline scene.
type Scene struct {
	Summary string `json:"summary"`
	Pivotal bool   `json:"pivotal,omitempty"`
}

// SceneCount returns the number of scenes across all chapters.
func (o *Outline) SceneCount() int {
	n := 0
	for _, c := range o.Chapters {
		n += len(c.Scenes)
	}
	return n
}

// ChapterKey is the unit key of chapter i (1-based).
func ChapterKey(i int) string {
	return fmt.Sprintf("ch%02d", i)
}

// SceneKey is the unit key of scene j (1-based) in chapter i.
func SceneKey(i, j int) string {
	return fmt.Sprintf("%s-sc%02d", ChapterKey(i), j)
}

// ParseUnitKey returns the 1-based chapter and scene of a unit key. Scene is
// 0 for a chapter key; ok is false for keys that name no chapter.
func ParseUnitKey(key string) (chapter, scene int, ok bool) {
	ch, sc, hasScene := strings.Cut(key, "-")
	if !strings.HasPrefix(ch, "ch") {
		return 0, 0, false
	}
	chapter, err := strconv.Atoi(ch[2:])
	if err != nil || chapter < 1 {
		return 0, 0, false
	}
	if !hasScene {
		return chapter, 0, true
	}
	if !strings.HasPrefix(sc, "sc") {
		return 0, 0, false
	}
	scene, err = strconv.Atoi(sc[2:])
	if err != nil || scene < 1 {
		return 0, 0, false
	}
	return chapter, scene, true
}

// unitKeyLess orders unit keys by chapter then scene. Keys that name no
// chapter (main) come first, by string.
func unitKeyLess(a, b string) bool {
	ca, sa, oka := ParseUnitKey(a)
	cb, sb, okb := ParseUnitKey(b)
	switch {
	case !oka && !okb:
		return a < b
	case oka != okb:
		return !oka
	case ca != cb:
		return ca < cb
	case sa != sb:
		return sa < sb
	default:
		return a < b
	}
}

// ParseOutline reads a JSON outline, tolerating prose or a code fence around
// the object. If no scene is marked pivotal the climax rule is applied.
func ParseOutline(text string) (*Outline, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("outline has no JSON object")
	}
	var o Outline
	if err := json.Unmarshal([]byte(text[start:end+1]), &o); err != nil {
		return nil, fmt.Errorf("decode outline: %w", err)
	}
	if len(o.Chapters) == 0 {
		return nil, errors.New("outline has no chapters")
	}
	pivotal := false
	for i, c := range o.Chapters {
		if len(c.Scenes) == 0 {
			return nil, fmt.Errorf("outline chapter %d has no scenes", i+1)
		}
		for _, s := range c.Scenes {
			pivotal = pivotal || s.Pivotal
		}
	}
	if !pivotal {
		o.markClimax()
	}
	return &o, nil
}

// DeriveOutline lays out chapters from the brief when no usable outline exists.
func DeriveOutline(b pipeline.Brief, wordsPerChapter, scenesPerChapter int) *Outline {
	if wordsPerChapter <= 0 {
		wordsPerChapter = DefaultWordsPerChapter
	}
	if scenesPerChapter <= 0 {
		scenesPerChapter = DefaultScenesPerChapter
	}
	chapters := (b.TargetWords + wordsPerChapter - 1) / wordsPerChapter
	if chapters < 1 {
		chapters = 1
	}
	o := &Outline{Chapters: make([]Chapter, chapters)}
	for i := range o.Chapters {
		o.Chapters[i] = Chapter{
			Title:  fmt.Sprintf("Chapter %d", i+1),
			Scenes: make([]Scene, scenesPerChapter),
		}
	}
	o.markClimax()
	return o
}

// markClimax flags the last scene of the penultimate chapter (or of the only
// chapter) as pivotal.
func (o *Outline) markClimax() {
	idx := len(o.Chapters) - 2
	if idx < 0 {
		idx = 0
	}
	scenes := o.Chapters[idx].Scenes
	scenes[len(scenes)-1].Pivotal = true
}
