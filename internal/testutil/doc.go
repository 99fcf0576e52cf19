// Package testutil provides fixture models and trained task specialists for
// tests across taskmix packages.
package testutil
