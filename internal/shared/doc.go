// Package shared holds helpers used by more than one package. Only
// testutil lives here today: log capture and assertions for tests.
package shared
