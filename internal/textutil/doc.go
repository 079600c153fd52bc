// Package textutil derives human-readable labels from opaque file references
// and sanitizes operator-supplied strings for safe display and storage.
package textutil
