// Package triage provides the business boundary for sift's message triage
// pipeline. It defines the Service (loading, commit, drafting, feedback),
// the Engine (classify, embed, rules and scoring without side effects), the
// store interfaces and the domain models.
package triage
