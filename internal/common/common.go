package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderUserID       = "X-User-ID"
	ContentTypeJSON    = "application/json"
	ContentTypeSSE     = "text/event-stream"
	ContentTypeMP4     = "video/mp4"
	ContentTypeMP3     = "audio/mpeg"
	ContentTypeJPEG    = "image/jpeg"
	ContentTypeText    = "text/plain; charset=utf-8"
	HeaderCacheControl = "Cache-Control"
)

// API paths
const (
	PathHealthz = "/healthz"
	PathJobs    = "/v1/jobs"
	PathUsers   = "/v1/users"
	PathBlobs   = "/v1/blobs"
)

// Defaults and limits
const (
	DefaultMaxConcurrentJobs = 2
	DefaultEventBuffer       = 500
	SQLiteBusyTimeoutMS      = 5000
	ResponsePreviewRunes     = 200
)

// Media tool executables
const (
	FFmpegExecutable  = "ffmpeg"
	FFprobeExecutable = "ffprobe"
)

// Storage namespaces
const (
	ProjectsPrefix   = "projects"
	TempAudioPrefix  = "tmp/audio"
	ClipsDirName     = "clips"
	TranscriptsDir   = "transcripts"
	CombinedFileName = "combined.mp4"
	BlobsDirName     = "blobs"
	LockFileName     = "reelcut.lock"
)

// Placeholder stored when a transcript could not be produced.
const TranscriptUnavailable = "Transcript unavailable."
