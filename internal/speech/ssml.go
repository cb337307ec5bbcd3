package speech

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// VoiceParams selects the synthesis voice and an optional personal voice
// speaker profile embedded in every generated document.
type VoiceParams struct {
	Voice            string
	SpeakerProfileID string
}

// BuildSSML renders one utterance as a speech markup document. Text is
// escaped so markup-significant characters never pass through literally; a
// positive trailing silence appends an explicit break directive.
func BuildSSML(text string, vp VoiceParams, trailingSilence time.Duration) string {
	var b strings.Builder
	b.WriteString(`<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xmlns:mstts='http://www.w3.org/2001/mstts' xml:lang='en-US'>`)
	fmt.Fprintf(&b, `<voice name='%s'>`, html.EscapeString(vp.Voice))
	fmt.Fprintf(&b, `<mstts:ttsembedding speakerProfileId='%s'>`, html.EscapeString(vp.SpeakerProfileID))
	b.WriteString(`<mstts:leadingsilence-exact value='0'/>`)
	b.WriteString(html.EscapeString(text))
	if trailingSilence > 0 {
		fmt.Fprintf(&b, `<break time='%dms'/>`, trailingSilence.Milliseconds())
	}
	b.WriteString(`</mstts:ttsembedding></voice></speak>`)
	return b.String()
}
