// Package rules implements administrator-defined bounce rules: a closed
// vocabulary of actions, a rule set compiled once per run and matched
// first-match-wins in list order, and a dispatcher that applies the
// matched rule's action to the bounce and its subscriber.
package rules
