// Package backlogmd imports a backlog from a markdown document: YAML
// front-matter carries the epic metadata, `### S-xxx:` sections carry
// the stories.
package backlogmd

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"overseer/pkg/project"
)

var (
	frontmatterDelimiter = regexp.MustCompile(`^---\s*$`)
	titlePattern         = regexp.MustCompile(`^#\s+Epic:\s+(.+)$`)
	storyPattern         = regexp.MustCompile(`^###\s+(S-\d+):\s+(.+)$`)
	fieldPattern         = regexp.MustCompile(`^\*\*([^:]+):\*\*\s*(.*)$`)
	checkboxPattern      = regexp.MustCompile(`^-\s+\[[ x]\]\s+(.+)$`)
)

// frontmatter is the YAML block at the top of a backlog document.
type frontmatter struct {
	Epic        string   `yaml:"epic"`
	Description string   `yaml:"description"`
	Priority    string   `yaml:"priority"`
	Constraints []string `yaml:"tdd_constraints"`
}

// StoryDoc is one parsed `### S-xxx:` section before id resolution.
type StoryDoc struct {
	Ref                string
	Title              string
	Description        string
	Priority           string
	DependsOn          []string
	AcceptanceCriteria []string
	Tasks              []string
}

// Backlog is the parse result: one epic and its stories, in document order.
type Backlog struct {
	Epic    *project.Epic
	Stories []*project.Story
}

// ParseFile reads and parses a backlog markdown file.
func ParseFile(path string) (*Backlog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backlog document: %w", err)
	}
	return Parse(string(raw))
}

// Parse builds the epic and stories from a backlog document. Stories are
// wired bidirectionally to the epic; depends_on references between
// `S-xxx` refs are resolved to the generated story ids.
func Parse(markdown string) (*Backlog, error) {
	front, body, err := splitFrontmatter(markdown)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, fmt.Errorf("parse front-matter: %w", err)
	}
	if fm.Epic == "" {
		return nil, fmt.Errorf("front-matter is missing the epic title")
	}

	docs, bodyTitle, err := parseBody(body)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document has no story sections")
	}

	epic := project.NewEpic(fm.Epic, fm.Description)
	if bodyTitle != "" {
		epic.Title = bodyTitle
	}
	epic.TDDConstraints = fm.Constraints
	if fm.Priority != "" {
		prio, err := project.ParseStoryPriority(fm.Priority)
		if err != nil {
			return nil, fmt.Errorf("epic priority: %w", err)
		}
		epic.Priority = prio
	}

	// First pass creates the stories so refs can resolve to real ids.
	idByRef := make(map[string]string, len(docs))
	stories := make([]*project.Story, 0, len(docs))
	for _, doc := range docs {
		s := project.NewStory(doc.Title, doc.Description)
		s.EpicID = epic.ID
		s.AcceptanceCriteria = doc.AcceptanceCriteria
		s.Tasks = doc.Tasks
		if doc.Priority != "" {
			prio, err := project.ParseStoryPriority(doc.Priority)
			if err != nil {
				return nil, fmt.Errorf("story %s priority: %w", doc.Ref, err)
			}
			s.Priority = prio
		}
		idByRef[doc.Ref] = s.ID
		stories = append(stories, s)
		epic.AddStory(s.ID)
	}

	for i, doc := range docs {
		for _, ref := range doc.DependsOn {
			id, ok := idByRef[ref]
			if !ok {
				return nil, fmt.Errorf("story %s depends on unknown story %s", doc.Ref, ref)
			}
			if id == stories[i].ID {
				return nil, fmt.Errorf("story %s depends on itself", doc.Ref)
			}
			stories[i].Dependencies = append(stories[i].Dependencies, id)
		}
	}

	return &Backlog{Epic: epic, Stories: stories}, nil
}

//nolint:gocritic // separate return values read better than a struct here
func splitFrontmatter(markdown string) (front string, body string, err error) {
	lines := strings.Split(markdown, "\n")
	if len(lines) < 3 || !frontmatterDelimiter.MatchString(strings.TrimSpace(lines[0])) {
		return "", "", fmt.Errorf("missing front-matter opening delimiter (---)")
	}
	closing := -1
	for i := 1; i < len(lines); i++ {
		if frontmatterDelimiter.MatchString(strings.TrimSpace(lines[i])) {
			closing = i
			break
		}
	}
	if closing == -1 {
		return "", "", fmt.Errorf("missing front-matter closing delimiter (---)")
	}
	return strings.Join(lines[1:closing], "\n"), strings.Join(lines[closing+1:], "\n"), nil
}

//nolint:gocyclo,cyclop // line-oriented markdown parsing is one big switch
func parseBody(body string) ([]StoryDoc, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(body))
	var (
		title        string
		docs         []StoryDoc
		current      *StoryDoc
		currentField string
		seen         = map[string]bool{}
	)

	flush := func() {
		if current != nil {
			docs = append(docs, *current)
			current = nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		if m := titlePattern.FindStringSubmatch(line); m != nil {
			title = strings.TrimSpace(m[1])
			continue
		}
		if m := storyPattern.FindStringSubmatch(line); m != nil {
			if seen[m[1]] {
				return nil, "", fmt.Errorf("duplicate story section %s", m[1])
			}
			seen[m[1]] = true
			flush()
			current = &StoryDoc{Ref: m[1], Title: strings.TrimSpace(m[2])}
			currentField = ""
			continue
		}
		if current == nil {
			continue
		}

		if m := fieldPattern.FindStringSubmatch(line); m != nil {
			name := strings.ToLower(strings.TrimSpace(m[1]))
			value := strings.TrimSpace(m[2])
			switch name {
			case "description":
				current.Description = value
				currentField = "description"
			case "priority":
				current.Priority = value
				currentField = ""
			case "depends_on", "depends on":
				current.DependsOn = parseRefList(value)
				currentField = ""
			case "acceptance criteria", "acceptance":
				currentField = "acceptance"
			case "tasks":
				currentField = "tasks"
			default:
				currentField = ""
			}
			continue
		}

		switch currentField {
		case "acceptance":
			if m := checkboxPattern.FindStringSubmatch(line); m != nil {
				current.AcceptanceCriteria = append(current.AcceptanceCriteria, strings.TrimSpace(m[1]))
				continue
			}
		case "tasks":
			if item := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-")); item != "" && strings.HasPrefix(strings.TrimSpace(line), "-") {
				current.Tasks = append(current.Tasks, item)
				continue
			}
		case "description":
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "**") {
				current.Description += " " + trimmed
				continue
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("scan backlog document: %w", err)
	}
	return docs, title, nil
}

// parseRefList parses "[S-001, S-002]" or a bare comma list.
func parseRefList(value string) []string {
	value = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(value), "["), "]")
	if value == "" {
		return nil
	}
	var refs []string
	for _, part := range strings.Split(value, ",") {
		if ref := strings.TrimSpace(part); ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}
