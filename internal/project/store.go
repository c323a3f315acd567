// Package project tracks the known project working directories and the
// process-wide active project. The active selection is persisted to a flat
// pointer file before Select or Create return, so a crash immediately after
// either call still restarts into a consistent state.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetherbot/tether/internal/log"
)

const (
	// RequirementsFile is the per-project persistent requirements document.
	RequirementsFile = "GEMINI.md"

	// ConversationLogFile is the per-project append-only conversation log.
	ConversationLogFile = "project_conversation.log"

	seedRequirements = "# Project Requirements\n\n"
)

// Project is a working directory known to the store.
type Project struct {
	Name       string
	Path       string
	CreatedAt  time.Time
	LastActive time.Time
}

// RequirementsPath returns the path of the project's requirements document.
func (p Project) RequirementsPath() string {
	return filepath.Join(p.Path, RequirementsFile)
}

// ConversationLogPath returns the path of the project's conversation log.
func (p Project) ConversationLogPath() string {
	return filepath.Join(p.Path, ConversationLogFile)
}

// Files lists the regular files in the project root, sorted by name.
func (p Project) Files() ([]string, error) {
	entries, err := os.ReadDir(p.Path)
	if err != nil {
		return nil, fmt.Errorf("listing project files: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// AppendConversation appends one framed record to the conversation log.
// The log is append-only; records are never rewritten.
func (p Project) AppendConversation(role, text string) error {
	f, err := os.OpenFile(p.ConversationLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path is derived from the project directory
	if err != nil {
		return fmt.Errorf("opening conversation log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "\n--- %s ---\n%s\n", strings.ToUpper(role), text); err != nil {
		return fmt.Errorf("appending conversation record: %w", err)
	}
	return nil
}

// AppendRequirement appends a user request to the requirements document.
func (p Project) AppendRequirement(userRequest string) error {
	return p.appendRequirements(fmt.Sprintf("\n---\n\n### User Requirement\n\n> %s\n", userRequest))
}

// AppendSuggestion appends accepted agent output to the requirements document.
// Empty output is skipped.
func (p Project) AppendSuggestion(agentResponse string) error {
	trimmed := strings.TrimSpace(agentResponse)
	if trimmed == "" {
		return nil
	}
	return p.appendRequirements(fmt.Sprintf("\n### Accepted Agent Suggestion\n\n```text\n%s\n```\n", trimmed))
}

func (p Project) appendRequirements(record string) error {
	path := p.RequirementsPath()
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		if err := os.WriteFile(path, []byte(seedRequirements), 0o644); err != nil { //nolint:gosec // G306: requirements doc is project content
			return fmt.Errorf("seeding requirements document: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // G304: path is derived from the project directory
	if err != nil {
		return fmt.Errorf("opening requirements document: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(record); err != nil {
		return fmt.Errorf("appending to requirements document: %w", err)
	}
	return nil
}

// Store tracks known projects and the active selection.
type Store struct {
	mu          sync.Mutex
	projectsDir string
	pointerFile string
	current     *Project
	prompts     map[string]int // project path -> prompt count this process
}

// NewStore opens (creating if needed) the projects directory and restores the
// active selection from the pointer file when it still points at a directory.
func NewStore(projectsDir, pointerFile string) (*Store, error) {
	if err := os.MkdirAll(projectsDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating projects directory: %w", err)
	}
	if pointerFile == "" {
		pointerFile = filepath.Join(projectsDir, ".active")
	}

	s := &Store{
		projectsDir: projectsDir,
		pointerFile: pointerFile,
		prompts:     make(map[string]int),
	}

	raw, err := os.ReadFile(pointerFile) //nolint:gosec // G304: operator-chosen pointer path
	if err == nil {
		path := strings.TrimSpace(string(raw))
		if p, loadErr := loadProject(path); loadErr == nil {
			s.current = &p
			log.Info(log.CatProject, "Restored active project", "path", path)
		} else {
			log.Warn(log.CatProject, "Stale project pointer, ignoring", "path", path)
		}
	}

	return s, nil
}

// ProjectsDir returns the root directory that holds all projects.
func (s *Store) ProjectsDir() string {
	return s.projectsDir
}

// List returns the known projects ordered by last-active descending.
func (s *Store) List() ([]Project, error) {
	entries, err := os.ReadDir(s.projectsDir)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	var projects []Project
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p, err := loadProject(filepath.Join(s.projectsDir, e.Name()))
		if err != nil {
			continue
		}
		projects = append(projects, p)
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastActive.After(projects[j].LastActive)
	})
	return projects, nil
}

// Select sets the active project by name (under the projects directory) or by
// absolute path. The pointer file is written durably before Select returns;
// a write failure aborts the selection.
func (s *Store) Select(nameOrPath string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := nameOrPath
	if !filepath.IsAbs(path) {
		if err := validateName(nameOrPath); err != nil {
			return Project{}, err
		}
		path = filepath.Join(s.projectsDir, nameOrPath)
	}

	p, err := loadProject(path)
	if err != nil {
		return Project{}, fmt.Errorf("%w: %s", ErrNotFound, nameOrPath)
	}

	// Existing projects selected for the first time may predate the bridge;
	// make sure the requirements document is there.
	if _, err := os.Stat(p.RequirementsPath()); os.IsNotExist(err) {
		if err := os.WriteFile(p.RequirementsPath(), []byte(seedRequirements), 0o644); err != nil { //nolint:gosec // G306: requirements doc is project content
			return Project{}, fmt.Errorf("seeding requirements document: %w", err)
		}
	}

	if err := s.persistPointer(p.Path); err != nil {
		return Project{}, err
	}
	s.current = &p
	log.Info(log.CatProject, "Active project set", "name", p.Name, "path", p.Path)
	return p, nil
}

// Create makes a new project directory with seed files and selects it.
func (s *Store) Create(name string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateName(name); err != nil {
		return Project{}, err
	}

	path := filepath.Join(s.projectsDir, name)
	if _, err := os.Stat(path); err == nil {
		return Project{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	if err := os.MkdirAll(path, 0o750); err != nil {
		return Project{}, fmt.Errorf("creating project directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, RequirementsFile), []byte(seedRequirements), 0o644); err != nil { //nolint:gosec // G306: requirements doc is project content
		return Project{}, fmt.Errorf("seeding requirements document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, ConversationLogFile), nil, 0o644); err != nil { //nolint:gosec // G306: conversation log is project content
		return Project{}, fmt.Errorf("seeding conversation log: %w", err)
	}

	p, err := loadProject(path)
	if err != nil {
		return Project{}, fmt.Errorf("loading created project: %w", err)
	}

	if err := s.persistPointer(p.Path); err != nil {
		return Project{}, err
	}
	s.current = &p
	log.Info(log.CatProject, "Project created", "name", p.Name, "path", p.Path)
	return p, nil
}

// Current returns the active project, or ErrNoActiveProject.
func (s *Store) Current() (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Project{}, ErrNoActiveProject
	}
	return *s.current, nil
}

// CountPrompt increments and returns the per-project prompt counter for this
// process. Used to nudge the user toward /context every few prompts.
func (s *Store) CountPrompt(p Project) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.Path]++
	return s.prompts[p.Path]
}

// persistPointer writes the active path to the pointer file durably:
// temp file in the same directory, fsync, then rename over the old pointer.
func (s *Store) persistPointer(path string) error {
	dir := filepath.Dir(s.pointerFile)
	tmp, err := os.CreateTemp(dir, ".active-*")
	if err != nil {
		return fmt.Errorf("persisting project pointer: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(path + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("persisting project pointer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("persisting project pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persisting project pointer: %w", err)
	}
	if err := os.Rename(tmpName, s.pointerFile); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persisting project pointer: %w", err)
	}
	return nil
}

func loadProject(path string) (Project, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Project{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	// Directory mtime is the best portable proxy for both timestamps; the
	// store does not journal its own metadata.
	return Project{
		Name:       filepath.Base(path),
		Path:       path,
		CreatedAt:  info.ModTime(),
		LastActive: info.ModTime(),
	}, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
