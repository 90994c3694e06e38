package backbone

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-reinspect/config"
)

// ONNXArgs configures an ONNX backbone session.
type ONNXArgs struct {
	// ModelPath is the ONNX graph mapping [1, 3, img_height, img_width]
	// to [1, feature_channels, grid_height, grid_width].
	ModelPath string
	// LibraryPath overrides the platform default onnxruntime shared library.
	LibraryPath string
	// InputName and OutputName are the graph's node names. Empty values
	// default to "data" and "features".
	InputName  string
	OutputName string
	// IntraOpThreads caps intra-op parallelism. Zero lets the runtime pick.
	IntraOpThreads int
}

// ONNXRuntime runs a pretrained backbone graph through onnxruntime with
// preallocated input and output tensors. Not safe for concurrent use.
type ONNXRuntime struct {
	net     config.Net
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXRuntime loads the model and binds fixed-shape tensors to it.
func NewONNXRuntime(net config.Net, args ONNXArgs) (*ONNXRuntime, error) {
	libPath := args.LibraryPath
	if libPath == "" {
		libPath = sharedLibPath()
	}
	if _, err := os.Stat(libPath); os.IsNotExist(err) {
		return nil, errors.Errorf("onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, errors.Wrap(err, "initializing onnxruntime environment")
	}

	input, err := ort.NewEmptyTensor[float32](
		ort.NewShape(1, 3, int64(net.ImgHeight), int64(net.ImgWidth)))
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	output, err := ort.NewEmptyTensor[float32](
		ort.NewShape(1, int64(net.FeatureChannels), int64(net.GridHeight), int64(net.GridWidth)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "creating output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "creating session options")
	}
	defer options.Destroy()
	options.SetIntraOpNumThreads(args.IntraOpThreads)
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended)

	inputName := args.InputName
	if inputName == "" {
		inputName = "data"
	}
	outputName := args.OutputName
	if outputName == "" {
		outputName = "features"
	}
	session, err := ort.NewAdvancedSession(
		args.ModelPath,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "creating onnxruntime session")
	}

	return &ONNXRuntime{net: net, session: session, input: input, output: output}, nil
}

// Channels returns the configured feature width.
func (o *ONNXRuntime) Channels() int { return o.net.FeatureChannels }

// CellFeatures copies the image into the bound input tensor, runs the graph
// and splits the output volume per cell.
func (o *ONNXRuntime) CellFeatures(img *tensor.Dense) ([][]float32, error) {
	if err := validateImage(o.net, img); err != nil {
		return nil, err
	}
	copy(o.input.GetData(), img.Data().([]float32))
	if err := o.session.Run(); err != nil {
		return nil, errors.Wrap(err, "running backbone model")
	}
	flat := o.output.GetData()
	out := make([]float32, len(flat))
	copy(out, flat)
	return cellsFromCHW(out, o.net.FeatureChannels, o.net.GridHeight, o.net.GridWidth), nil
}

// Close releases the session and its tensors.
func (o *ONNXRuntime) Close() error {
	if o.input != nil {
		o.input.Destroy()
		o.input = nil
	}
	if o.output != nil {
		o.output.Destroy()
		o.output = nil
	}
	if o.session != nil {
		if err := o.session.Destroy(); err != nil {
			return errors.Wrap(err, "destroying onnxruntime session")
		}
		o.session = nil
	}
	return nil
}

// sharedLibPath returns the platform default onnxruntime shared library
// location.
func sharedLibPath() string {
	if runtime.GOOS == "windows" {
		return "third_party/onnxruntime.dll"
	}
	if runtime.GOOS == "darwin" {
		return "third_party/libonnxruntime.dylib"
	}
	if runtime.GOOS == "linux" && runtime.GOARCH == "arm64" {
		return "third_party/onnxruntime_arm64.so"
	}
	return "third_party/onnxruntime.so"
}
