package envforge

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// Media types for the image layout. Layers are zstd tarballs addressed by
// BLAKE3; the JSON blobs use the go-digest canonical algorithm.
const (
	mediaTypeLayer    = "application/vnd.envforge.layer.v1.tar+zstd"
	mediaTypeConfig   = "application/vnd.envforge.config.v1+json"
	mediaTypeManifest = "application/vnd.envforge.manifest.v1+json"

	layerAlgorithm = digest.Algorithm("blake3")

	annotationName    = "org.opencontainers.image.ref.name"
	annotationBase    = "envforge.base"
	annotationSystem  = "envforge.system"
	annotationPackage = "envforge.package"
	annotationVersion = "envforge.version"
)

// Descriptor points at a blob in the image layout.
type Descriptor struct {
	MediaType   string            `json:"mediaType"`
	Digest      digest.Digest     `json:"digest"`
	Size        int64             `json:"size"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ImageConfig is the runtime metadata baked into an assembled environment.
type ImageConfig struct {
	Architecture string    `json:"architecture"`
	OS           string    `json:"os"`
	Created      time.Time `json:"created"`
	Config       struct {
		Env    []string          `json:"Env,omitempty"`
		Labels map[string]string `json:"Labels,omitempty"`
	} `json:"config"`
	RootFS struct {
		Type    string          `json:"type"`
		DiffIDs []digest.Digest `json:"diff_ids"`
	} `json:"rootfs"`
}

// ImageManifest binds the config and layer blobs of one environment image.
type ImageManifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Config        Descriptor        `json:"config"`
	Layers        []Descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

type imageIndex struct {
	SchemaVersion int          `json:"schemaVersion"`
	Manifests     []Descriptor `json:"manifests"`
}

func layerDigest(l Layer) digest.Digest {
	return digest.NewDigestFromEncoded(layerAlgorithm, l.Digest)
}

// writeBlob stores data content-addressed under blobs/ and returns its
// descriptor.
func writeBlob(outDir, mediaType string, data []byte) (Descriptor, error) {
	d := digest.FromBytes(data)
	dir := filepath.Join(outDir, "blobs", string(d.Algorithm()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Descriptor{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, d.Encoded()), data, 0o644); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(data))}, nil
}

// copyLayerBlob places a layer archive into the layout, addressed by its
// BLAKE3 digest, and returns its descriptor.
func copyLayerBlob(outDir string, l Layer) (Descriptor, error) {
	dir := filepath.Join(outDir, "blobs", string(layerAlgorithm))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Descriptor{}, err
	}
	dest := filepath.Join(dir, l.Digest)

	if _, err := os.Stat(dest); err != nil {
		src, err := os.Open(l.TarballPath())
		if err != nil {
			return Descriptor{}, fmt.Errorf("failed to open layer %s: %w", l.Name, err)
		}
		defer src.Close()
		out, err := os.Create(dest)
		if err != nil {
			return Descriptor{}, err
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			return Descriptor{}, err
		}
		if err := out.Close(); err != nil {
			return Descriptor{}, err
		}
	}

	return Descriptor{
		MediaType: mediaTypeLayer,
		Digest:    layerDigest(l),
		Size:      l.Size,
		Annotations: map[string]string{
			annotationPackage: l.Name,
			annotationVersion: l.Version,
		},
	}, nil
}

// AssembleImage composes the built layers and the manifest's runtime
// metadata into an image layout under outDir. Returns the image manifest
// digest.
func AssembleImage(outDir string, m *Manifest, layers []Layer) (digest.Digest, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}

	layout := []byte("{\"imageLayoutVersion\": \"1.0.0\"}\n")
	if err := os.WriteFile(filepath.Join(outDir, "oci-layout"), layout, 0o644); err != nil {
		return "", err
	}

	var layerDescs []Descriptor
	var diffIDs []digest.Digest
	for _, l := range layers {
		desc, err := copyLayerBlob(outDir, l)
		if err != nil {
			return "", err
		}
		layerDescs = append(layerDescs, desc)
		diffIDs = append(diffIDs, desc.Digest)
	}

	var cfg ImageConfig
	cfg.Architecture = arch
	cfg.OS = "linux"
	cfg.Created = time.Now().UTC()
	cfg.Config.Env = m.RuntimeEnv()
	if len(m.System) > 0 {
		cfg.Config.Labels = map[string]string{
			annotationSystem: strings.Join(m.System, ","),
		}
	}
	cfg.RootFS.Type = "layers"
	cfg.RootFS.DiffIDs = diffIDs

	cfgData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	cfgDesc, err := writeBlob(outDir, mediaTypeConfig, cfgData)
	if err != nil {
		return "", fmt.Errorf("failed to write image config: %w", err)
	}

	manifest := ImageManifest{
		SchemaVersion: 2,
		MediaType:     mediaTypeManifest,
		Config:        cfgDesc,
		Layers:        layerDescs,
		Annotations: map[string]string{
			annotationName: m.Name,
		},
	}
	if m.Base != "" {
		manifest.Annotations[annotationBase] = m.Base
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	manifestDesc, err := writeBlob(outDir, mediaTypeManifest, manifestData)
	if err != nil {
		return "", fmt.Errorf("failed to write image manifest: %w", err)
	}
	manifestDesc.Annotations = map[string]string{annotationName: m.Name}

	idx := imageIndex{
		SchemaVersion: 2,
		Manifests:     []Descriptor{manifestDesc},
	}
	idxData, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(outDir, "index.json"), idxData, 0o644); err != nil {
		return "", err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Assembled image %s (%d layers) at %s\n", m.Name, len(layers), outDir)
	return manifestDesc.Digest, nil
}

// LoadImageManifest reads the first manifest referenced by an image layout.
func LoadImageManifest(outDir string) (*ImageManifest, error) {
	idxData, err := os.ReadFile(filepath.Join(outDir, "index.json"))
	if err != nil {
		return nil, fmt.Errorf("not an image layout: %w", err)
	}
	var idx imageIndex
	if err := json.Unmarshal(idxData, &idx); err != nil {
		return nil, err
	}
	if len(idx.Manifests) == 0 {
		return nil, fmt.Errorf("image index references no manifests")
	}
	d := idx.Manifests[0].Digest
	data, err := os.ReadFile(filepath.Join(outDir, "blobs", string(d.Algorithm()), d.Encoded()))
	if err != nil {
		return nil, err
	}
	var manifest ImageManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// loadImageConfig reads the config blob referenced by a manifest.
func loadImageConfig(outDir string, manifest *ImageManifest) (*ImageConfig, error) {
	d := manifest.Config.Digest
	data, err := os.ReadFile(filepath.Join(outDir, "blobs", string(d.Algorithm()), d.Encoded()))
	if err != nil {
		return nil, err
	}
	var cfg ImageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// VerifyImage checks an assembled layout against its manifest: every layer
// blob present and matching its digest, every manifest env var present in
// the config, and no pruned path resurfacing in any layer.
func VerifyImage(outDir string, m *Manifest, pol *PrunePolicy) error {
	manifest, err := LoadImageManifest(outDir)
	if err != nil {
		return err
	}
	cfg, err := loadImageConfig(outDir, manifest)
	if err != nil {
		return fmt.Errorf("failed to load image config: %w", err)
	}

	// Runtime env must survive assembly intact.
	have := make(map[string]bool, len(cfg.Config.Env))
	for _, kv := range cfg.Config.Env {
		have[kv] = true
	}
	for _, kv := range m.RuntimeEnv() {
		if !have[kv] {
			return fmt.Errorf("image config is missing env %q", kv)
		}
	}

	for _, desc := range manifest.Layers {
		blobPath := filepath.Join(outDir, "blobs", string(desc.Digest.Algorithm()), desc.Digest.Encoded())
		sum, err := ComputeChecksum(blobPath)
		if err != nil {
			return fmt.Errorf("layer blob %s unreadable: %w", desc.Digest, err)
		}
		if desc.Digest.Algorithm() == layerAlgorithm && sum != desc.Digest.Encoded() {
			return fmt.Errorf("layer blob %s is corrupt", desc.Digest)
		}

		if pol == nil {
			continue
		}
		// Denylisted paths must not resurface inside any layer.
		tmp, err := os.MkdirTemp(workDir, "verify-")
		if err != nil {
			return err
		}
		err = func() error {
			defer os.RemoveAll(tmp)
			if err := unpackLayer(blobPath, tmp); err != nil {
				return fmt.Errorf("failed to unpack layer %s: %w", desc.Digest, err)
			}
			return filepath.Walk(tmp, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return nil
				}
				rel, relErr := filepath.Rel(tmp, path)
				if relErr != nil || rel == "." {
					return nil
				}
				if rule, matched := pol.Match(rel); matched {
					return fmt.Errorf("layer %s contains denylisted path %s (rule %s)",
						desc.Annotations[annotationPackage], rel, rule.Name)
				}
				return nil
			})
		}()
		if err != nil {
			return err
		}
	}

	return nil
}
