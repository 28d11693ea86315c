/*
Package repo schedules mesh asset loading: callers register interest in a
mesh LOD, skin, or physics block; a background worker satisfies each request
from the disk cache when possible and over HTTP byte-range fetches otherwise;
the owner drains results once per frame with Update.

Threading is deliberate and narrow:

  - Repository methods are safe from any goroutine, but Update is meant to be
    called from exactly one place (the main loop). Listener callbacks fire
    inside Update, on the caller's goroutine.
  - The worker goroutine owns the request queues behind a condition variable.
    Fetch goroutines it spawns push results back through the same lock.
  - Lock order: the Repository mutex may be held while taking the worker
    queue lock, never the reverse. The worker's header-cache mutex is a leaf
    lock; no other lock is acquired while holding it.
*/
package repo
