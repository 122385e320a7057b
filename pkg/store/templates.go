package store

const architectureTemplate = `# Architecture — {{project}}

## Overview

Describe the system's major components and how they talk to each other.

## Components

- _component_: _responsibility_

## Data Flow

Trace a request from entry to persistence.

## Decisions

Record significant choices and the constraints that drove them.
`

const bestPracticesTemplate = `# Best Practices — {{project}}

## Testing

- Write the failing test before the implementation.
- One behavior per test; name tests after the behavior.

## Code Review

- Keep changes scoped to one story.
- Every commit must leave the test suite green.

## Conventions

Record project-specific naming, layout, and style rules here.
`
