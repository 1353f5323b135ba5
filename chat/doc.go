// Package chat harvests a broadcast's chat replay into the record store.
//
// It provides three entrypoints that share the same deduplicating Buffer:
//   - Harvester.Run / Harvester.Tail: page through the replay with the GQL comments
//     cursor, skipping ids already stored. While the channel is still live, Tail waits
//     and resumes from the last checkpoint so comments written after the first pass are
//     picked up.
//   - Harvester.ImportFile: load a pre-fetched JSON archive of comments (the
//     {"comments":[...]} shape of the legacy v5 API) instead of paging.
//   - IRCTap: optionally listen on Twitch IRC while the channel is live and record
//     messages under their IRC message id, which is the same id the replay later reports.
//
// Checkpoints are stored in the kv table under "harvest_cursor:<vod id>".
package chat
