// Package llm defines the provider-neutral wire types for chat completions
// and model catalogs, plus the interfaces the rest of the gateway depends on.
//
// Two backends implement them: openrouter (plain HTTP against any
// OpenAI-compatible endpoint, including the /models catalog) and einoclient
// (completions through the eino openai chat model).
package llm
