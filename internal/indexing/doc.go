// Package indexing submits URL notifications to the Google Indexing API.
//
// Calls are authenticated with a service account access token held in a
// TokenCache. Throttling happens in the worker before Notify is called. Failures come back as *Error,
// which matches campaign.ErrTransient or campaign.ErrPermanent under errors.Is.
package indexing
