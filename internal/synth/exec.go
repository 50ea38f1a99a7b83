package synth

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	shellwords "github.com/mattn/go-shellwords"
)

// ExecRuntime shells out to an external inference binary. One invocation per
// synthesis call: a JSON request on stdin, JSON lines with base64 PCM on
// stdout. The binary owns the actual accelerator binding; the device name is
// passed through as a hint.
type ExecRuntime struct {
	cmd        []string
	sampleRate int
}

func NewExecRuntime(command string, sampleRate int) (*ExecRuntime, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &ExecRuntime{cmd: args, sampleRate: sampleRate}, nil
}

func (r *ExecRuntime) LoadSession(_ context.Context, modelPath, device string) (Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, modelPath)
	}
	return &execSession{
		id:        uuid.NewString(),
		device:    device,
		modelPath: modelPath,
		runtime:   r,
	}, nil
}

type execSession struct {
	id        string
	device    string
	modelPath string
	runtime   *ExecRuntime
	mu        sync.Mutex
	closed    bool
}

type execRequest struct {
	Model         string  `json:"model"`
	Device        string  `json:"device"`
	Text          string  `json:"text"`
	Language      string  `json:"language"`
	Voice         string  `json:"voice,omitempty"`
	ReferenceText string  `json:"reference_text,omitempty"`
	ReferencePCM  string  `json:"reference_pcm_base64,omitempty"`
	Pitch         float64 `json:"pitch,omitempty"`
	Energy        float64 `json:"energy,omitempty"`
	Rate          float64 `json:"rate,omitempty"`
	SampleRate    int     `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

func (s *execSession) ID() string     { return s.id }
func (s *execSession) Device() string { return s.device }

func (s *execSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *execSession) Run(ctx context.Context, in Input) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	sampleRate := in.SampleRate
	if sampleRate <= 0 {
		sampleRate = s.runtime.sampleRate
	}

	reqPayload := execRequest{
		Model:         s.modelPath,
		Device:        s.device,
		Text:          in.Text,
		Language:      in.Language,
		Voice:         in.Voice,
		ReferenceText: in.ReferenceText,
		ReferencePCM:  encodePCM16(in.ReferenceAudio),
		Pitch:         in.Pitch,
		Energy:        in.Energy,
		Rate:          in.Rate,
		SampleRate:    sampleRate,
	}
	data, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, err
	}

	base := s.runtime.cmd[0]
	args := append([]string{}, s.runtime.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Wait()
		return nil, err
	}
	stdin.Close()

	var pcm []float64
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return nil, err
		}
		if resp.Error != "" {
			_ = cmd.Wait()
			if resp.Code == "resource_exhausted" {
				return nil, fmt.Errorf("%w: %s", ErrResourceExhausted, resp.Error)
			}
			return nil, fmt.Errorf("synth backend: %s", resp.Error)
		}
		samples, err := decodePCM16(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return nil, err
		}
		pcm = append(pcm, samples...)
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pcm, nil
}

func encodePCM16(samples []float64) string {
	if len(samples) == 0 {
		return ""
	}
	raw := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := int16(math.Round(math.Max(-1, math.Min(1, s)) * math.MaxInt16))
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(v))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodePCM16(encoded string) ([]float64, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	samples := make([]float64, len(raw)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(raw[2*i:]))
		samples[i] = float64(v) / math.MaxInt16
	}
	return samples, nil
}
