package composition

// Workflow is an ordered batch of license operations read from a YAML or
// JSON file.
type Workflow struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description,omitempty"`
	Version     string `mapstructure:"version,omitempty"`
	Steps       []Step `mapstructure:"steps"`

	// Variables are available to step parameters and conditions as {{.name}}.
	// Each step's results are merged in once it completes.
	Variables map[string]interface{} `mapstructure:"variables,omitempty"`
}

// Step is one operation of a workflow. Type selects the handler: issue,
// validate, inspect or compress.
type Step struct {
	Name        string `mapstructure:"name"`
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description,omitempty"`

	// Condition is rendered as a template; the step runs when it reads as
	// true, yes or 1.
	Condition string `mapstructure:"condition,omitempty"`

	// ExpectError names the ErrorKind a validate or inspect step must fail
	// with, e.g. policy_violation. The workflow then continues.
	ExpectError string `mapstructure:"expect_error,omitempty"`

	// Parameters holds every other key of the step, decoded by its handler.
	Parameters map[string]interface{} `mapstructure:",remain"`
}
