package tools

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Course is one catalog entry exposed to the assistant.
type Course struct {
	ID            string   `yaml:"id" json:"id"`
	Title         string   `yaml:"title" json:"title"`
	Level         string   `yaml:"level" json:"level"`
	Summary       string   `yaml:"summary" json:"summary"`
	DurationHours int      `yaml:"duration_hours" json:"duration_hours"`
	PriceEUR      int      `yaml:"price_eur" json:"price_eur"`
	Modality      string   `yaml:"modality" json:"modality"`
	Tags          []string `yaml:"tags" json:"tags,omitempty"`
	Syllabus      []string `yaml:"syllabus" json:"syllabus,omitempty"`
}

// CourseSummary is the short form returned by searches.
type CourseSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Level    string `json:"level"`
	PriceEUR int    `json:"price_eur"`
	Modality string `json:"modality"`
}

func (c Course) summary() CourseSummary {
	return CourseSummary{ID: c.ID, Title: c.Title, Level: c.Level, PriceEUR: c.PriceEUR, Modality: c.Modality}
}

// ErrCourseNotFound is returned by Get for unknown ids.
var ErrCourseNotFound = errors.New("tools: course not found")

// Catalog is an immutable in-memory course list.
type Catalog struct {
	courses []Course
	byID    map[string]Course
}

// levelAliases normalizes the levels users and the model tend to send.
var levelAliases = map[string]string{
	"beginner":     "beginner",
	"basic":        "beginner",
	"principiante": "beginner",
	"basico":       "beginner",
	"básico":       "beginner",
	"inicial":      "beginner",
	"intermediate": "intermediate",
	"intermedio":   "intermediate",
	"advanced":     "advanced",
	"avanzado":     "advanced",
	"experto":      "advanced",
}

// LoadCatalog parses a YAML catalog document.
func LoadCatalog(raw []byte) (*Catalog, error) {
	var doc struct {
		Courses []Course `yaml:"courses"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tools: parse catalog: %w", err)
	}
	c := &Catalog{byID: make(map[string]Course, len(doc.Courses))}
	for _, course := range doc.Courses {
		if course.ID == "" {
			return nil, errors.New("tools: catalog entry without id")
		}
		if _, dup := c.byID[course.ID]; dup {
			return nil, fmt.Errorf("tools: duplicate course id %q", course.ID)
		}
		course.Level = NormalizeLevel(course.Level)
		c.byID[course.ID] = course
		c.courses = append(c.courses, course)
	}
	return c, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(defaultCatalogYAML)
}

// NormalizeLevel maps free-form level names to beginner|intermediate|advanced.
// Unknown values are returned lowercased.
func NormalizeLevel(level string) string {
	l := strings.ToLower(strings.TrimSpace(level))
	if v, ok := levelAliases[l]; ok {
		return v
	}
	return l
}

// Search returns courses matching every query term (title, summary, tags) and
// the level, if given. Results keep catalog order.
func (c *Catalog) Search(query, level string, limit int) []CourseSummary {
	terms := strings.Fields(strings.ToLower(query))
	level = NormalizeLevel(level)

	out := []CourseSummary{}
	for _, course := range c.courses {
		if level != "" && course.Level != level {
			continue
		}
		if !matchesAll(course, terms) {
			continue
		}
		out = append(out, course.summary())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Get returns the full course record.
func (c *Catalog) Get(id string) (Course, error) {
	course, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Course{}, fmt.Errorf("%w: %q", ErrCourseNotFound, id)
	}
	return course, nil
}

// Levels lists the distinct levels present in the catalog.
func (c *Catalog) Levels() []string {
	seen := map[string]bool{}
	var levels []string
	for _, course := range c.courses {
		if !seen[course.Level] {
			seen[course.Level] = true
			levels = append(levels, course.Level)
		}
	}
	sort.Strings(levels)
	return levels
}

func matchesAll(course Course, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	haystack := strings.ToLower(course.Title + " " + course.Summary + " " + strings.Join(course.Tags, " "))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
