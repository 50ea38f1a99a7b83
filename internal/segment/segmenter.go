package segment

import (
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/voxlabs-ai/vox-core/internal/config"
)

type ChunkType string

const (
	TypeNormal      ChunkType = "normal"
	TypeDialogue    ChunkType = "dialogue"
	TypeEnumeration ChunkType = "enumeration"
	TypeTransition  ChunkType = "transition"
)

type Prosody string

const (
	ProsodyDeclarative   Prosody = "declarative"
	ProsodyInterrogative Prosody = "interrogative"
	ProsodyExclamatory   Prosody = "exclamatory"
)

// Chunk is a bounded span of the cleaned input scheduled for one synthesis
// call.
type Chunk struct {
	Index             int
	Text              string
	Type              ChunkType
	Prosody           Prosody
	EstimatedDuration time.Duration
	StartsMidSentence bool
	EndsMidSentence   bool
}

// Analysis summarizes a text before segmentation.
type Analysis struct {
	Length                int
	EstimatedSpeakingTime time.Duration
	ComplexityScore       float64
	RequiresChunking      bool
	OptimalChunkSize      int
}

type Segmenter struct {
	cfg config.SegmenterConfig
	log *slog.Logger
}

func New(cfg config.SegmenterConfig, log *slog.Logger) *Segmenter {
	return &Segmenter{
		cfg: cfg,
		log: log.With(slog.String("component", "segmenter")),
	}
}

var transitionWords = map[string]struct{}{
	"however": {}, "meanwhile": {}, "therefore": {}, "moreover": {},
	"furthermore": {}, "nevertheless": {}, "finally": {}, "then": {},
	"afterwards": {}, "consequently": {}, "instead": {}, "later": {},
}

// Analyze estimates speaking time and complexity and derives the chunk size
// the splitter should aim for. Complexity shrinks the target: dense,
// irregular text gets shorter chunks so each stays well inside the model's
// context budget.
func (s *Segmenter) Analyze(text string) Analysis {
	cleaned := Clean(text)
	length := len(cleaned)

	a := Analysis{
		Length:                length,
		EstimatedSpeakingTime: s.EstimateSpeakingTime(cleaned),
		ComplexityScore:       complexityScore(cleaned),
		RequiresChunking:      length > s.cfg.ChunkingThreshold,
	}

	scale := 1.0
	if s.cfg.ComplexityCeiling > 0 {
		progress := math.Min(1, a.ComplexityScore/s.cfg.ComplexityCeiling)
		scale = 1 - progress*(1-s.cfg.MinChunkSizeScale)
	}
	a.OptimalChunkSize = int(float64(s.cfg.MaxChunkChars) * scale)
	if a.OptimalChunkSize < 1 {
		a.OptimalChunkSize = 1
	}
	return a
}

// EstimateSpeakingTime maps character count plus punctuation pauses to an
// approximate spoken duration.
func (s *Segmenter) EstimateSpeakingTime(text string) time.Duration {
	seconds := float64(len(text)) / s.cfg.CharsPerSecond
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			seconds += 0.35
		case ',', ';', ':':
			seconds += 0.15
		}
	}
	return time.Duration(seconds * float64(time.Second))
}

// Segment splits text into bounded, semantically coherent chunks. Texts at
// or below the chunking threshold pass through as a single chunk.
func (s *Segmenter) Segment(text string) []Chunk {
	cleaned := Clean(text)
	if cleaned == "" {
		return nil
	}
	if len(cleaned) <= s.cfg.ChunkingThreshold {
		return s.finalize([]string{cleaned})
	}

	analysis := s.Analyze(cleaned)
	target := analysis.OptimalChunkSize

	var parts []string
	for _, sentence := range splitSentences(cleaned) {
		if len(sentence) > s.cfg.MaxChunkChars {
			parts = append(parts, splitLong(sentence, s.cfg.MaxChunkChars)...)
			continue
		}
		parts = append(parts, sentence)
	}

	chunks := groupParts(parts, target)
	chunks = s.mergeShort(chunks)
	chunks = s.hardCap(chunks)
	return s.finalize(chunks)
}

// SegmentWithReference activates when the target text is long relative to
// the voice-cloning reference: it sizes chunks to the reference's word count
// so each chunk's duration stays close to what the model was conditioned on.
func (s *Segmenter) SegmentWithReference(text string, refWordCount int) []Chunk {
	cleaned := Clean(text)
	if cleaned == "" {
		return nil
	}
	words := strings.Fields(cleaned)
	if refWordCount <= 0 || float64(len(words)) < s.cfg.RefMatchRatio*float64(refWordCount) {
		return s.Segment(cleaned)
	}

	low := int(math.Floor(float64(refWordCount) * (1 - s.cfg.RefMatchTolerance)))
	high := int(math.Ceil(float64(refWordCount) * (1 + s.cfg.RefMatchTolerance)))
	if low < 1 {
		low = 1
	}

	var chunks []string
	var current []string
	for i, word := range words {
		current = append(current, word)
		n := len(current)
		if n < low {
			continue
		}
		atLimit := n >= high
		boundary := isProsodicBoundary(word, nextWord(words, i))
		if boundary || atLimit {
			chunks = append(chunks, strings.Join(current, " "))
			current = current[:0]
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}

	chunks = s.mergeShort(chunks)
	chunks = s.hardCap(chunks)
	return s.finalize(chunks)
}

func nextWord(words []string, i int) string {
	if i+1 < len(words) {
		return words[i+1]
	}
	return ""
}

// isProsodicBoundary reports whether a break after word sounds natural:
// sentence ends and clause marks qualify, as does a following transition
// word.
func isProsodicBoundary(word, next string) bool {
	if word == "" {
		return false
	}
	switch word[len(word)-1] {
	case '.', '!', '?', ',', ';', ':':
		return true
	}
	_, ok := transitionWords[strings.ToLower(strings.Trim(next, `.,!?;:"'`))]
	return ok
}

// splitSentences cuts cleaned text after terminal punctuation followed by a
// space. Punctuation stays attached to its sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// Consume a run of terminal punctuation (e.g. "?!", "...").
		for i+1 < len(runes) && (runes[i+1] == '.' || runes[i+1] == '!' || runes[i+1] == '?') {
			i++
		}
		// Trailing closing quote stays with the sentence.
		if i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\'') {
			i++
		}
		if i+1 == len(runes) || runes[i+1] == ' ' {
			sentences = append(sentences, strings.TrimSpace(string(runes[start:i+1])))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// splitLong breaks an oversized sentence at clause punctuation, and below
// that at whitespace, keeping each piece within bound.
func splitLong(sentence string, bound int) []string {
	var clauses []string
	start := 0
	runes := []rune(sentence)
	for i, r := range runes {
		if (r == ',' || r == ';' || r == ':') && i+1 < len(runes) && runes[i+1] == ' ' {
			clauses = append(clauses, strings.TrimSpace(string(runes[start:i+1])))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		clauses = append(clauses, rest)
	}

	var parts []string
	for _, clause := range clauses {
		if len(clause) <= bound {
			parts = append(parts, clause)
			continue
		}
		parts = append(parts, splitWhitespace(clause, bound)...)
	}
	return parts
}

func splitWhitespace(text string, bound int) []string {
	var parts []string
	var current strings.Builder
	for _, word := range strings.Fields(text) {
		if current.Len() > 0 && current.Len()+1+len(word) > bound {
			parts = append(parts, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// groupParts packs adjacent parts into chunks up to the target size.
func groupParts(parts []string, target int) []string {
	var chunks []string
	var current strings.Builder
	for _, part := range parts {
		if current.Len() > 0 && current.Len()+1+len(part) > target {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(part)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// mergeShort folds chunks below the minimum word count into a neighbor when
// the merge stays within the size bound.
func (s *Segmenter) mergeShort(chunks []string) []string {
	if len(chunks) < 2 {
		return chunks
	}
	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if len(out) > 0 &&
			len(strings.Fields(chunk)) < s.cfg.MinChunkWords &&
			len(out[len(out)-1])+1+len(chunk) <= s.cfg.MaxChunkChars {
			out[len(out)-1] = out[len(out)-1] + " " + chunk
			continue
		}
		out = append(out, chunk)
	}
	return out
}

// hardCap is the safety net: no chunk leaves the segmenter longer than the
// configured maximum, whatever the earlier passes produced.
func (s *Segmenter) hardCap(chunks []string) []string {
	var out []string
	for _, chunk := range chunks {
		if len(chunk) <= s.cfg.MaxChunkChars {
			out = append(out, chunk)
			continue
		}
		out = append(out, splitWhitespace(chunk, s.cfg.MaxChunkChars)...)
	}
	return out
}

func (s *Segmenter) finalize(texts []string) []Chunk {
	chunks := make([]Chunk, 0, len(texts))
	prevEndsMid := false
	for i, text := range texts {
		c := Chunk{
			Index:             i,
			Text:              text,
			Type:              classifyChunk(text),
			Prosody:           classifyProsody(text),
			EstimatedDuration: s.EstimateSpeakingTime(text),
			StartsMidSentence: prevEndsMid,
			EndsMidSentence:   !endsSentence(text),
		}
		prevEndsMid = c.EndsMidSentence
		chunks = append(chunks, c)
	}
	return chunks
}

func endsSentence(text string) bool {
	trimmed := strings.TrimRight(text, `"'`)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func classifyChunk(text string) ChunkType {
	if strings.Contains(text, `"`) {
		return TypeDialogue
	}
	fields := strings.Fields(text)
	if len(fields) > 0 {
		first := fields[0]
		if len(first) >= 2 && unicode.IsDigit(rune(first[0])) &&
			(strings.HasSuffix(first, ".") || strings.HasSuffix(first, ")")) {
			return TypeEnumeration
		}
		if _, ok := transitionWords[strings.ToLower(strings.Trim(first, `.,!?;:`))]; ok {
			return TypeTransition
		}
	}
	return TypeNormal
}

func classifyProsody(text string) Prosody {
	trimmed := strings.TrimRight(text, `"' `)
	if trimmed == "" {
		return ProsodyDeclarative
	}
	switch trimmed[len(trimmed)-1] {
	case '?':
		return ProsodyInterrogative
	case '!':
		return ProsodyExclamatory
	}
	return ProsodyDeclarative
}

// complexityScore combines sentence-length variance, special-character
// density, and numeric-token density into [0, 1].
func complexityScore(text string) float64 {
	if text == "" {
		return 0
	}

	sentences := splitSentences(text)
	variation := 0.0
	if len(sentences) > 1 {
		lengths := make([]float64, len(sentences))
		mean := 0.0
		for i, s := range sentences {
			lengths[i] = float64(len(strings.Fields(s)))
			mean += lengths[i]
		}
		mean /= float64(len(lengths))
		if mean > 0 {
			variance := 0.0
			for _, l := range lengths {
				variance += (l - mean) * (l - mean)
			}
			variance /= float64(len(lengths))
			variation = math.Min(1, math.Sqrt(variance)/mean)
		}
	}

	special, digits, total := 0, 0, 0
	for _, r := range text {
		total++
		switch {
		case unicode.IsDigit(r):
			digits++
		case r > unicode.MaxASCII, unicode.IsSymbol(r):
			special++
		}
	}
	specialDensity := math.Min(1, float64(special)/float64(total)*10)
	digitDensity := math.Min(1, float64(digits)/float64(total)*10)

	return 0.4*variation + 0.3*specialDensity + 0.3*digitDensity
}
