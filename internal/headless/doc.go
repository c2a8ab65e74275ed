// Package headless renders pages in an isolated Chrome instance and returns a
// viewport screenshot. Each Render call starts its own browser so a wedged or
// fingerprinted session never leaks into the next capture.
package headless
