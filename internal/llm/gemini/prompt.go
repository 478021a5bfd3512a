package gemini

import (
	"fmt"
	"strings"

	"github.com/jo-hoe/reelcut/internal/llm"
	"github.com/jo-hoe/reelcut/internal/types"
)

const transcribePrompt = "Transcribe all spoken words in this media verbatim. Prefix each paragraph with its start time as [mm:ss]. Output only the transcript."

func extractPrompt(req llm.ExtractRequest) string {
	p := req.Profile
	var b strings.Builder
	b.WriteString("You are a video editor selecting highlight segments from the attached media.\n")
	if req.Class == types.ClassSpeech {
		b.WriteString("The content is speech-driven: judge moments by what is said, and cut on sentence boundaries.\n")
	} else {
		b.WriteString("The content is visual: judge moments by what happens on screen, and cut on scene changes.\n")
	}
	if req.SourceSeconds > 0 {
		fmt.Fprintf(&b, "The media is %.0f seconds long; every timestamp must lie within it.\n", req.SourceSeconds)
	}
	fmt.Fprintf(&b, "Select between %d and %d segments, each %.0f to %.0f seconds long (ideally about %.0f seconds).\n",
		p.MinSegments, p.MaxSegments, p.MinSegment, p.MaxSegment, p.TargetSegment)
	fmt.Fprintf(&b, "The segment durations must add up to about %.0f seconds (within %.0f%%).\n", req.TargetSeconds, p.Tolerance*100)
	fmt.Fprintf(&b, "Output format: %s. %s\n", p.Mode, p.Narrative)
	b.WriteString("Segments must not overlap and must be listed in chronological order.\n")
	if s := strings.TrimSpace(req.Instructions); s != "" {
		fmt.Fprintf(&b, "Additional instructions from the user: %s\n", s)
	}
	b.WriteString(`Return ONLY a JSON array, no prose and no Markdown. Each element must have exactly these fields:
{"title": string, "description": string, "start_time": number (seconds), "end_time": number (seconds), "significance": integer 1-10, "narrative_role": string, "transition_note": string}`)
	return b.String()
}

func describePrompt(segs []types.Segment) string {
	var b strings.Builder
	b.WriteString("Write an engaging two to three sentence description of a highlight reel made from these moments of the attached media. Output plain text only.\n")
	for i, s := range segs {
		fmt.Fprintf(&b, "%d. [%.1fs-%.1fs] %s: %s\n", i+1, s.Start, s.End, s.Title, s.Description)
	}
	return b.String()
}
