// Copyright 2026 Lumen Bio, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package embeddings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/lumenbio/tilevec/lib/imaging"
)

// Ensure ONNXEmbedder implements the Embedder interface
var _ Embedder = (*ONNXEmbedder)(nil)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initRuntime initializes the ONNX Runtime environment once per process.
// The shared library is located via ONNXRUNTIME_ROOT or the loader path.
func initRuntime() error {
	ortInitOnce.Do(func() {
		if libPath := onnxLibraryPath(); libPath != "" {
			ort.SetSharedLibraryPath(filepath.Join(libPath, onnxLibraryName()))
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// onnxLibraryPath returns the directory containing libonnxruntime from the
// environment. Checks ONNXRUNTIME_ROOT first, then the loader path.
func onnxLibraryPath() string {
	libName := onnxLibraryName()

	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		platformDir := filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib")
		if _, err := os.Stat(filepath.Join(platformDir, libName)); err == nil {
			return platformDir
		}
		directDir := filepath.Join(root, "lib")
		if _, err := os.Stat(filepath.Join(directDir, libName)); err == nil {
			return directDir
		}
	}

	ldPath := os.Getenv("LD_LIBRARY_PATH")
	if runtime.GOOS == "darwin" {
		if dyldPath := os.Getenv("DYLD_LIBRARY_PATH"); dyldPath != "" {
			ldPath = dyldPath
		}
	}
	for _, dir := range filepath.SplitList(ldPath) {
		if _, err := os.Stat(filepath.Join(dir, libName)); err == nil {
			return dir
		}
	}

	return ""
}

// onnxLibraryName returns the platform-specific library name.
func onnxLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// ONNXConfig configures the ONNX Runtime embedder.
type ONNXConfig struct {
	// ModelPath is the .onnx file, or a directory containing model.onnx.
	ModelPath string

	// Dim overrides the embedding width when the model declares a dynamic
	// output dimension. Zero means read it from the model metadata.
	Dim int

	// NumThreads caps intra-op threads (0 = runtime default).
	NumThreads int

	// Logger for logging (nil = no logging)
	Logger *zap.Logger
}

// ONNXEmbedder runs a vision encoder through ONNX Runtime. The session is
// created once at construction and reused for every tile.
type ONNXEmbedder struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputName   string
	outputName  string
	dim         int
	inputHeight int
	inputWidth  int
	logger      *zap.Logger
}

// NewONNXEmbedder loads the encoder exactly once. Any failure here is a
// *LoadError; the caller cannot proceed without a model.
func NewONNXEmbedder(cfg ONNXConfig) (*ONNXEmbedder, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	onnxPath := cfg.ModelPath
	if info, err := os.Stat(onnxPath); err != nil {
		return nil, &LoadError{Path: cfg.ModelPath, Err: err}
	} else if info.IsDir() {
		onnxPath = filepath.Join(onnxPath, "model.onnx")
		if _, err := os.Stat(onnxPath); err != nil {
			return nil, &LoadError{Path: cfg.ModelPath, Err: err}
		}
	}

	logger.Info("Loading ONNX embedding model", zap.String("modelPath", onnxPath))

	if err := initRuntime(); err != nil {
		return nil, &LoadError{Path: onnxPath, Err: fmt.Errorf("initializing ONNX Runtime: %w", err)}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, &LoadError{Path: onnxPath, Err: fmt.Errorf("getting model info: %w", err)}
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, &LoadError{Path: onnxPath, Err: fmt.Errorf("model declares %d inputs and %d outputs", len(inputs), len(outputs))}
	}

	// Prefer the conventional vision input name, fall back to the first input.
	input := inputs[0]
	for _, info := range inputs {
		if info.Name == "pixel_values" {
			input = info
			break
		}
	}
	output := outputs[0]

	dim := cfg.Dim
	if dim <= 0 {
		if last := output.Dimensions[len(output.Dimensions)-1]; last > 0 {
			dim = int(last)
		}
	}
	if dim <= 0 {
		return nil, &LoadError{Path: onnxPath, Err: fmt.Errorf("output %s has a dynamic width; set Dim explicitly", output.Name)}
	}

	// Static spatial dims, when declared, tell the preprocessor what to
	// produce. [batch, channels, height, width]
	var inH, inW int
	if len(input.Dimensions) == 4 {
		if h := input.Dimensions[2]; h > 0 {
			inH = int(h)
		}
		if w := input.Dimensions[3]; w > 0 {
			inW = int(w)
		}
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, &LoadError{Path: onnxPath, Err: fmt.Errorf("creating session options: %w", err)}
	}
	if cfg.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, &LoadError{Path: onnxPath, Err: fmt.Errorf("setting thread count: %w", err)}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(onnxPath,
		[]string{input.Name},
		[]string{output.Name},
		sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, &LoadError{Path: onnxPath, Err: fmt.Errorf("creating ONNX session: %w", err)}
	}

	logger.Info("Successfully loaded embedding model",
		zap.String("input", input.Name),
		zap.String("output", output.Name),
		zap.Int("dim", dim))

	return &ONNXEmbedder{
		session:     session,
		sessionOpts: sessionOpts,
		inputName:   input.Name,
		outputName:  output.Name,
		dim:         dim,
		inputHeight: inH,
		inputWidth:  inW,
		logger:      logger,
	}, nil
}

// Dim returns the embedding width.
func (e *ONNXEmbedder) Dim() int { return e.dim }

// InputSize reports the spatial dimensions the model declares, when static.
func (e *ONNXEmbedder) InputSize() (height, width int, ok bool) {
	return e.inputHeight, e.inputWidth, e.inputHeight > 0 && e.inputWidth > 0
}

// Embed runs one tile tensor through the encoder and returns its vector.
// Failures are *InferenceError and recoverable by the caller.
func (e *ONNXEmbedder) Embed(ctx context.Context, t *imaging.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pixelTensor, err := ort.NewTensor(
		ort.NewShape(1, int64(t.Channels), int64(t.Height), int64(t.Width)),
		t.Data)
	if err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("creating %s tensor: %w", e.inputName, err)}
	}
	defer pixelTensor.Destroy()

	outputTensors := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{pixelTensor}, outputTensors); err != nil {
		return nil, &InferenceError{Err: fmt.Errorf("running ONNX inference: %w", err)}
	}
	defer func() {
		for _, out := range outputTensors {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	if outputTensors[0] == nil {
		return nil, &InferenceError{Err: fmt.Errorf("no output tensor returned")}
	}
	floatTensor, ok := outputTensors[0].(*ort.Tensor[float32])
	if !ok {
		return nil, &InferenceError{Err: fmt.Errorf("output tensor is not float32")}
	}

	data := floatTensor.GetData()
	shape := floatTensor.GetShape()

	// 2D [1, dim] is a pooled embedding; 3D [1, patches, hidden] is an
	// encoder output, where the CLS token (first position) is the embedding.
	switch len(shape) {
	case 2:
		if int(shape[1]) != e.dim {
			return nil, &InferenceError{Err: fmt.Errorf("output width %d, want %d", shape[1], e.dim)}
		}
		vec := make([]float32, e.dim)
		copy(vec, data[:e.dim])
		return vec, nil
	case 3:
		hidden := int(shape[2])
		if hidden != e.dim {
			return nil, &InferenceError{Err: fmt.Errorf("hidden width %d, want %d", hidden, e.dim)}
		}
		vec := make([]float32, hidden)
		copy(vec, data[:hidden])
		return vec, nil
	default:
		return nil, &InferenceError{Err: fmt.Errorf("unexpected output rank %d", len(shape))}
	}
}

// Close destroys the session.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return fmt.Errorf("destroying ONNX session: %w", err)
		}
		e.session = nil
	}
	if e.sessionOpts != nil {
		e.sessionOpts.Destroy()
		e.sessionOpts = nil
	}
	return nil
}
