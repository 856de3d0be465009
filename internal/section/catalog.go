// Package section defines the grant-application sections and the executor
// that produces one section's content through the AI completion provider.
package section

// Question is one prompt a section must answer.
type Question struct {
	ID     string
	Prompt string
}

// Spec describes one independently generatable section of the application.
type Spec struct {
	Name      string
	Title     string
	Questions []Question
}

// catalog is the fixed section order of a full grant application. Sections
// are generated strictly in this order because later sections build on the
// answers of earlier ones.
var catalog = []Spec{
	{
		Name:  "executive_summary",
		Title: "Executive Summary",
		Questions: []Question{
			{ID: "summary", Prompt: "Summarize the project, the need it addresses, and the requested funding in one compelling page."},
		},
	},
	{
		Name:  "organization_background",
		Title: "Organization Background",
		Questions: []Question{
			{ID: "mission", Prompt: "Describe the organization's mission and history."},
			{ID: "capacity", Prompt: "Describe the organization's capacity and track record for delivering similar projects."},
		},
	},
	{
		Name:  "statement_of_need",
		Title: "Statement of Need",
		Questions: []Question{
			{ID: "problem", Prompt: "Describe the problem the project addresses, supported by data."},
			{ID: "population", Prompt: "Describe the target population and how they experience this problem."},
		},
	},
	{
		Name:  "project_description",
		Title: "Project Description",
		Questions: []Question{
			{ID: "activities", Prompt: "Describe the project's core activities and how they address the stated need."},
			{ID: "timeline", Prompt: "Lay out an implementation timeline for the project period."},
		},
	},
	{
		Name:  "goals_objectives",
		Title: "Goals and Objectives",
		Questions: []Question{
			{ID: "goals", Prompt: "State the project's goals and the measurable objectives under each."},
		},
	},
	{
		Name:  "methodology",
		Title: "Methodology",
		Questions: []Question{
			{ID: "approach", Prompt: "Explain the methods used to deliver the activities and why they are appropriate."},
			{ID: "staffing", Prompt: "Describe the staffing plan and key roles."},
		},
	},
	{
		Name:  "evaluation_plan",
		Title: "Evaluation Plan",
		Questions: []Question{
			{ID: "metrics", Prompt: "Describe how progress toward each objective will be measured."},
			{ID: "reporting", Prompt: "Describe the evaluation schedule and how findings will be reported to the funder."},
		},
	},
	{
		Name:  "budget_narrative",
		Title: "Budget Narrative",
		Questions: []Question{
			{ID: "justification", Prompt: "Justify each major budget line in relation to project activities."},
		},
	},
	{
		Name:  "sustainability",
		Title: "Sustainability",
		Questions: []Question{
			{ID: "continuation", Prompt: "Explain how the project will continue after the grant period ends."},
		},
	},
}

// Catalog returns the full section catalog in generation order.
func Catalog() []Spec {
	out := make([]Spec, len(catalog))
	copy(out, catalog)
	return out
}

// Order returns the section names in generation order.
func Order() []string {
	names := make([]string, len(catalog))
	for i, s := range catalog {
		names[i] = s.Name
	}
	return names
}

// SpecFor looks up a section by name.
func SpecFor(name string) (Spec, bool) {
	for _, s := range catalog {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}
