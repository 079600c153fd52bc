// Package provider abstracts external AI processing capabilities behind a
// uniform submit / poll-or-callback / fetch-result contract.
//
// Each capability (OCR, transcription, classification, video analysis,
// translation, archive) is a Provider variant registered in a Registry; the
// Gateway dispatches work through whichever variant serves the requested
// capability and records the operation handle plus suspended continuation
// that later resume the workflow. Poll-mode providers are driven by the
// Poller, which normalizes poll results into the same completion events that
// callback providers push.
package provider
