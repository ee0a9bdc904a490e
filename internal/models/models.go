// package models defines the state snapshot document delivered by the
// Companion Server and typed projections over it.
package models

// Snapshot is the full state document received from the server, either via an
// HTTP fetch or a realtime frame. It always replaces the previous value, never
// merges into it. An empty Snapshot means "no known state" and is what
// consumers see while the server is unreachable.
type Snapshot map[string]any

// Empty reports whether the snapshot carries no state.
func (s Snapshot) Empty() bool {
	return len(s) == 0
}

// Clone returns a copy safe to hand to consumers. The copy is shallow:
// consumers treat snapshots as read-only and never mutate nested values.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Command names accepted by the Companion Server's command endpoint.
const (
	CmdPlay       = "play"
	CmdPause      = "pause"
	CmdNext       = "next"
	CmdPrevious   = "previous"
	CmdSetVolume  = "setVolume"
	CmdSeek       = "seek"
	CmdShuffle    = "shuffle"
	CmdRepeatMode = "repeatMode"
)

// PlaybackState is the coarse player state derived from player.trackState.
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
	StateIdle    PlaybackState = "idle"
)

// NowPlaying is a flat projection of the fields a consumer typically renders.
type NowPlaying struct {
	State    PlaybackState
	Title    string
	Artist   string
	Album    string
	VideoID  string
	Volume   float64 // 0..1, -1 when unknown
	Position float64 // seconds into the current track
	Shuffle  bool
	Repeat   int
}

// NowPlayingFrom projects a raw snapshot into a NowPlaying. Missing or
// malformed fields degrade to zero values rather than failing: the snapshot
// shape is server-defined and may change between releases.
func NowPlayingFrom(s Snapshot) NowPlaying {
	np := NowPlaying{State: StateIdle, Volume: -1}
	if s.Empty() {
		return np
	}

	player, _ := s["player"].(map[string]any)
	if player == nil {
		return np
	}

	switch trackState(player["trackState"]) {
	case 1:
		np.State = StatePlaying
	case 0:
		np.State = StatePaused
	}

	if v, ok := asFloat(player["volume"]); ok {
		np.Volume = v / 100
	}
	if v, ok := asFloat(s["videoProgress"]); ok {
		np.Position = v
	} else if v, ok := asFloat(player["progress"]); ok {
		np.Position = v
	}
	np.Shuffle, _ = player["shuffle"].(bool)
	if v, ok := asFloat(player["repeatMode"]); ok {
		np.Repeat = int(v)
	}

	if item := currentQueueItem(player); item != nil {
		np.Title, _ = item["title"].(string)
		np.VideoID, _ = item["videoId"].(string)
		np.Artist = artistNames(item)
		if album, ok := item["album"].(map[string]any); ok {
			np.Album, _ = album["name"].(string)
		}
	}

	return np
}

// currentQueueItem returns the queue item flagged as playing, falling back to
// the first item when none is flagged.
func currentQueueItem(player map[string]any) map[string]any {
	queue, _ := player["queue"].(map[string]any)
	if queue == nil {
		return nil
	}
	items, _ := queue["items"].([]any)
	if len(items) == 0 {
		return nil
	}

	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if playing, _ := item["playing"].(bool); playing {
			return item
		}
	}

	first, _ := items[0].(map[string]any)
	return first
}

func artistNames(item map[string]any) string {
	if names, ok := item["artistsNames"].(string); ok && names != "" {
		return names
	}
	artists, _ := item["artists"].([]any)
	joined := ""
	for _, raw := range artists {
		name := ""
		switch a := raw.(type) {
		case string:
			name = a
		case map[string]any:
			name, _ = a["name"].(string)
		}
		if name == "" {
			continue
		}
		if joined != "" {
			joined += ", "
		}
		joined += name
	}
	return joined
}

// trackState normalizes the numeric trackState field; returns -1 when absent.
func trackState(v any) int {
	if f, ok := asFloat(v); ok {
		return int(f)
	}
	return -1
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
