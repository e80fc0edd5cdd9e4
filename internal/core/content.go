package core

import "time"

// AnonymousOriginator is substituted wherever an originator id is absent.
// Cache keys and preference tracking always carry a concrete originator.
const AnonymousOriginator = "anonymous"

// ContentRequest describes one unit of generation work handed to a provider.
// All fields are plain values; providers must not retain the request.
type ContentRequest struct {
	Concept    string `json:"concept"`
	Modality   string `json:"modality"`
	Complexity int    `json:"complexity"`
	Originator string `json:"originator,omitempty"`
	Depth      int    `json:"depth"`
	Primer     bool   `json:"primer,omitempty"`
}

// OriginatorOrAnonymous returns the originator id, defaulting when absent.
func (r ContentRequest) OriginatorOrAnonymous() string {
	if r.Originator == "" {
		return AnonymousOriginator
	}
	return r.Originator
}

// Provenance identifies the producer of an artifact. Static fallbacks carry
// the provider name "static" and no model.
type Provenance struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// StaticProvider is the provenance stamp of synthesized fallback artifacts.
const StaticProvider = "static"

// Artifact is the opaque value produced by a provider. The core caches it and
// passes it around by value; only the annotation map is ever augmented (for
// markers such as simplified narration) and always on a copy.
type Artifact struct {
	ID          string            `json:"id,omitempty"`
	Concept     string            `json:"concept"`
	Modality    string            `json:"modality"`
	Complexity  int               `json:"complexity"`
	Content     string            `json:"content"`
	Provenance  Provenance        `json:"provenance"`
	CreatedAt   time.Time         `json:"createdAt"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// WithAnnotation returns a copy of the artifact with one annotation set. The
// receiver's map is never mutated.
func (a Artifact) WithAnnotation(key, value string) Artifact {
	annotated := a
	annotated.Annotations = make(map[string]string, len(a.Annotations)+1)
	for k, v := range a.Annotations {
		annotated.Annotations[k] = v
	}
	annotated.Annotations[key] = value
	return annotated
}
