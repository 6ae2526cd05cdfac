package ml

import (
	onnxruntime "github.com/yalue/onnxruntime_go"

	"icarus/internal/domain/features"
	"icarus/internal/domain/prediction"
	"icarus/pkg/errors"
)

// Class indices of the batch model output: short, hold, long.
var batchClassLabels = []prediction.Label{
	prediction.LabelShort,
	prediction.LabelHold,
	prediction.LabelLong,
}

// ONNXModel wraps an ONNX Runtime session for batch-trained inference.
// Input "input" is the feature vector, outputs are "output" (class index)
// and "probabilities" (per-class probabilities).
type ONNXModel struct {
	session  *onnxruntime.DynamicAdvancedSession
	name     string
	schemaID string
	dim      int
}

// LoadONNXModel loads a batch model from file. The model must have been
// trained on vectors of the given schema.
func LoadONNXModel(modelPath, name, schemaID string, dim int) (*ONNXModel, error) {
	if err := onnxruntime.InitializeEnvironment(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize ONNX runtime")
	}

	options, err := onnxruntime.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer options.Destroy()

	session, err := onnxruntime.NewDynamicAdvancedSession(modelPath,
		[]string{"input"}, []string{"output", "probabilities"}, options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load ONNX model")
	}

	return &ONNXModel{
		session:  session,
		name:     name,
		schemaID: schemaID,
		dim:      dim,
	}, nil
}

func (m *ONNXModel) Name() string     { return m.name }
func (m *ONNXModel) SchemaID() string { return m.schemaID }

// Predict runs inference and returns the predicted direction with the
// probability of the winning class as confidence.
func (m *ONNXModel) Predict(v *features.Vector) (prediction.Vote, error) {
	if m.session == nil {
		return prediction.Vote{}, errors.New("model session is nil")
	}
	if v == nil {
		return prediction.Vote{}, errors.Wrap(errors.ErrInvalidInput, "nil feature vector")
	}
	if v.SchemaID != m.schemaID || len(v.Values) != m.dim {
		return prediction.Vote{}, errors.Wrapf(errors.ErrSchemaMismatch,
			"model %s trained under %s/%d, vector is %s/%d",
			m.name, m.schemaID, m.dim, v.SchemaID, len(v.Values))
	}

	inputShape := onnxruntime.NewShape(1, int64(m.dim))
	inputTensor, err := onnxruntime.NewTensor(inputShape, append([]float64(nil), v.Values...))
	if err != nil {
		return prediction.Vote{}, errors.Wrap(err, "failed to create input tensor")
	}
	defer inputTensor.Destroy()

	classOutput := make([]int64, 1)
	classTensor, err := onnxruntime.NewTensor(onnxruntime.NewShape(1), classOutput)
	if err != nil {
		return prediction.Vote{}, errors.Wrap(err, "failed to create class output tensor")
	}
	defer classTensor.Destroy()

	numClasses := len(batchClassLabels)
	probOutput := make([]float64, numClasses)
	probTensor, err := onnxruntime.NewTensor(onnxruntime.NewShape(1, int64(numClasses)), probOutput)
	if err != nil {
		return prediction.Vote{}, errors.Wrap(err, "failed to create probabilities output tensor")
	}
	defer probTensor.Destroy()

	err = m.session.Run(
		[]onnxruntime.Value{inputTensor},
		[]onnxruntime.Value{classTensor, probTensor},
	)
	if err != nil {
		return prediction.Vote{}, errors.Wrap(err, "inference failed")
	}

	idx := int(classOutput[0])
	if idx < 0 || idx >= numClasses {
		return prediction.Vote{}, errors.Newf("invalid class index: %d", idx)
	}

	return prediction.Vote{
		Label:      batchClassLabels[idx],
		Confidence: probOutput[idx],
	}, nil
}

// Destroy releases the ONNX session.
func (m *ONNXModel) Destroy() {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
}
