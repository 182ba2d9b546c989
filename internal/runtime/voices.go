package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/allssai/voxcpm-kazakh-tts/internal/voices"
)

// maxVoiceUpload bounds reference clip uploads.
const maxVoiceUpload = 64 << 20

type voiceStatus struct {
	Name      string  `json:"name"`
	Duration  float64 `json:"duration_seconds"`
	WordCount int     `json:"word_count"`
	Ratio     float64 `json:"ratio"`
	Score     int     `json:"score"`
	Status    string  `json:"status"`
	RefText   string  `json:"ref_text,omitempty"`
}

func toVoiceStatus(st voices.Status) voiceStatus {
	return voiceStatus{
		Name:      st.Voice,
		Duration:  st.Duration,
		WordCount: st.WordCount,
		Ratio:     st.Ratio,
		Score:     st.Score,
		Status:    st.Label,
		RefText:   st.RefText,
	}
}

func (r *Runtime) handleVoices(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.voices == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	statuses, err := r.voices.Statuses()
	if err != nil {
		r.logger.Warn("failed to read voice statuses", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	out := make([]voiceStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, toVoiceStatus(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleVoice(w http.ResponseWriter, req *http.Request) {
	if r.voices == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	r.writeVoice(w, http.StatusOK, req.PathValue("name"))
}

// handleCreateVoice expects a multipart form with the clip in "audio" and
// its transcript in "ref_text".
func (r *Runtime) handleCreateVoice(w http.ResponseWriter, req *http.Request) {
	if r.voices == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	name := req.PathValue("name")
	req.Body = http.MaxBytesReader(w, req.Body, maxVoiceUpload)
	if err := req.ParseMultipartForm(maxVoiceUpload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	file, _, err := req.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("audio file: %w", err))
		return
	}
	defer file.Close()

	tmp, err := saveUpload(file)
	if err != nil {
		r.voiceError(w, name, err)
		return
	}
	defer os.Remove(tmp)

	if _, err := r.voices.Create(name, tmp, req.FormValue("ref_text")); err != nil {
		r.voiceError(w, name, err)
		return
	}
	r.writeVoice(w, http.StatusCreated, name)
}

// handleVoiceText replaces the transcript from a {"ref_text": ...} body.
func (r *Runtime) handleVoiceText(w http.ResponseWriter, req *http.Request) {
	if r.voices == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	name := req.PathValue("name")
	var body struct {
		RefText string `json:"ref_text"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := r.voices.UpdateRefText(name, body.RefText); err != nil {
		r.voiceError(w, name, err)
		return
	}
	r.writeVoice(w, http.StatusOK, name)
}

// handleVoiceAudio replaces the clip with the WAV sent as the request body.
func (r *Runtime) handleVoiceAudio(w http.ResponseWriter, req *http.Request) {
	if r.voices == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	name := req.PathValue("name")
	tmp, err := saveUpload(http.MaxBytesReader(w, req.Body, maxVoiceUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer os.Remove(tmp)

	if err := r.voices.UpdateAudio(name, tmp); err != nil {
		r.voiceError(w, name, err)
		return
	}
	r.writeVoice(w, http.StatusOK, name)
}

func (r *Runtime) handleDeleteVoice(w http.ResponseWriter, req *http.Request) {
	if r.voices == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	name := req.PathValue("name")
	if err := r.voices.Delete(name); err != nil {
		r.voiceError(w, name, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) writeVoice(w http.ResponseWriter, code int, name string) {
	st, err := r.voices.Status(name)
	if err != nil {
		r.voiceError(w, name, err)
		return
	}
	writeJSON(w, code, toVoiceStatus(st))
}

func (r *Runtime) voiceError(w http.ResponseWriter, name string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, voices.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, voices.ErrExists):
		code = http.StatusConflict
	case errors.Is(err, voices.ErrInvalidName), errors.Is(err, voices.ErrNoRefText), errors.Is(err, voices.ErrBadAudio):
		code = http.StatusBadRequest
	default:
		r.logger.Error("voice operation failed", slog.String("voice", name), slog.String("error", err.Error()))
	}
	writeError(w, code, err)
}

// saveUpload copies src into a temporary WAV file and returns its path.
func saveUpload(src io.Reader) (string, error) {
	tmp, err := os.CreateTemp("", "voxd-voice-*.wav")
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write upload: %w", err)
	}
	return tmp.Name(), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
