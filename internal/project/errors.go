package project

import "errors"

var (
	// ErrNotFound is returned when no project matches the given name or path.
	ErrNotFound = errors.New("project not found")

	// ErrAlreadyExists is returned when creating a project whose directory
	// already exists.
	ErrAlreadyExists = errors.New("project already exists")

	// ErrInvalidName is returned for empty or unsafe project names.
	ErrInvalidName = errors.New("invalid project name")

	// ErrNoActiveProject is returned by Current when no project is selected.
	ErrNoActiveProject = errors.New("no active project")
)
