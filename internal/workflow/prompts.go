package workflow

import (
	"fmt"

	"github.com/xteam/backend/internal/core"
)

// Stage is one step of the agent pipeline. Progress is the cumulative
// project percentage reached once the stage completes.
type Stage struct {
	Role     core.AgentRole
	Name     string
	Progress float64
	system   string
	prompt   func(brief string) string
}

// Pipeline is the fixed stage order:
// product_manager -> architect -> engineer -> qa_engineer.
var Pipeline = []Stage{
	{
		Role:     core.RoleProductManager,
		Name:     "requirements_analysis",
		Progress: 25,
		system:   "You are a senior product manager. Turn briefs into precise, testable specifications.",
		prompt: func(brief string) string {
			return fmt.Sprintf(`Analyze the following project requirements and create a detailed specification:

%s

Provide:
1. Project Overview
2. Key Features
3. User Stories
4. Acceptance Criteria`, brief)
		},
	},
	{
		Role:     core.RoleArchitect,
		Name:     "system_design",
		Progress: 50,
		system:   "You are a software architect. Design pragmatic systems with clear component boundaries.",
		prompt: func(brief string) string {
			return fmt.Sprintf(`Design the system architecture for the following project:

%s

Provide:
1. System Architecture Diagram (ASCII)
2. Component Descriptions
3. Technology Stack
4. Database Schema
5. API Endpoints`, brief)
		},
	},
	{
		Role:     core.RoleEngineer,
		Name:     "code_generation",
		Progress: 75,
		system:   "You are a senior software engineer. Write production-ready, well-structured code.",
		prompt: func(brief string) string {
			return fmt.Sprintf(`Generate production-ready code for the following project:

%s

Provide:
1. Main application file
2. API routes/endpoints
3. Database models
4. Configuration files
5. Requirements/dependencies

Use best practices and include proper error handling.`, brief)
		},
	},
	{
		Role:     core.RoleQAEngineer,
		Name:     "testing",
		Progress: 90,
		system:   "You are a QA engineer. Write thorough tests that cover edge cases and failure modes.",
		prompt: func(brief string) string {
			return fmt.Sprintf(`Create comprehensive tests for the following project:

%s

Provide:
1. Unit tests
2. Integration tests
3. API endpoint tests
4. Test coverage report
5. Edge cases and error scenarios`, brief)
		},
	},
}

// SystemPrompt returns the stage's built-in system prompt unless the
// agent config carries its own.
func (s Stage) SystemPrompt(configured string) string {
	if configured != "" {
		return configured
	}
	return s.system
}

// Prompt renders the stage's user prompt for a project brief.
func (s Stage) Prompt(brief string) string { return s.prompt(brief) }
