package session

import rain "github.com/cenkalti/rain"

// Config is the process-wide settings surface; see the root package's
// Config for field documentation. Every torrent in a Session receives its
// own copy of the Session's Config; per-torrent values (name, trackers, id)
// are carried separately.
type Config = rain.Config
