// Package review handles the human decision gate for low-confidence results.
//
// A review case is a suspension point: the job parks in awaiting_review until
// every open case receives exactly one decision. Approving accepts the
// provider's proposed result, rejecting substitutes an operator-supplied
// override, and escalating accepts the proposed result provisionally while
// flagging the transaction and alerting a senior reviewer. Decisions are
// final; a second decision on the same case is a conflict.
package review
