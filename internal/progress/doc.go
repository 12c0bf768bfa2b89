// Package progress turns download state changes into an ordered, replayable
// event feed.
//
// Every download gets its own feed. Events carry a sequence number that
// starts at 1 and increases by one per event, so a caller that remembers the
// last sequence it saw can ask for everything after it:
//
//	events, closed, err := reporter.Since(downloadID, lastSeq)
//
// or block until something new arrives:
//
//	events, closed, err := reporter.Wait(ctx, downloadID, lastSeq)
//
// The feed ends with a single event whose Final flag is set and whose Result
// holds the download's final record. Once closed, further publishes are
// ignored. Only the newest events are retained; the final event is never
// dropped.
package progress
