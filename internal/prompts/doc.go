// Package prompts contains the prompt text Aura sends to the inference
// endpoint.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, benefit from
// compile-time embedding, and can be validated by tests. The persona can
// still be replaced from config (persona.file); everything else about
// prompt layout lives here.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
