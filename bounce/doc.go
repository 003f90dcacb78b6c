// Package bounce holds the bounce data model, the identifier parser and the
// structural classifier.
//
// Parsing is pure: DecodeBody, FindUserID and FindMessageID operate on text
// only. The Classifier turns the identifiers found in one report into a
// status and the subscriber/campaign counter updates that go with it,
// using the UserMessageBounce existence check as its idempotence guard.
package bounce
