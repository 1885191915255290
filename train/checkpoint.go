package train

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/go-amp/nn"
)

// Checkpoint is the metadata record written alongside the parameter file.
type Checkpoint struct {
	Version      string    `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
	Epoch        int       `json:"epoch"`
	Iter         int64     `json:"iter"`
	Loss         float32   `json:"loss"`
	LearningRate float32   `json:"learning_rate"`

	ModelPath       string `json:"model_path"`
	TotalParams     int64  `json:"total_params"`
	TrainableParams int64  `json:"trainable_params"`

	// Extra carries caller-owned state, such as the loss scaler's counters.
	Extra json.RawMessage `json:"extra,omitempty"`
}

// DecodeExtra unmarshals the caller-owned state saved with the checkpoint.
func (c *Checkpoint) DecodeExtra(v interface{}) error {
	if len(c.Extra) == 0 {
		return fmt.Errorf("checkpoint carries no extra state")
	}
	return json.Unmarshal(c.Extra, v)
}

// SaveCheckpoint writes the runner's training state into dir: the learned
// parameters as binary records in model.bin and run metadata as JSON in
// checkpoint.json. When the runner has an optimizer its parameters are saved,
// since under mixed precision those are the full-precision masters; otherwise
// the model's own parameters are saved. extra may be nil.
func SaveCheckpoint(dir string, r *Runner, extra interface{}) (*Checkpoint, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	params := checkpointParams(r)
	checkpoint := &Checkpoint{
		Version:   "1.0",
		Timestamp: time.Now(),
		Epoch:     r.Epoch,
		Iter:      r.Iter,
	}
	if r.Output != nil {
		checkpoint.Loss = r.Output.Loss
	}
	if r.Optimizer != nil {
		checkpoint.LearningRate = r.Optimizer.GetLearningRate()
	}
	for _, p := range params {
		n := int64(p.Data.NumElements())
		checkpoint.TotalParams += n
		if p.RequiresGrad {
			checkpoint.TrainableParams += n
		}
	}

	modelPath := filepath.Join(dir, "model.bin")
	if err := saveParameters(params, modelPath); err != nil {
		return nil, fmt.Errorf("failed to save model: %w", err)
	}
	checkpoint.ModelPath = modelPath

	if extra != nil {
		raw, err := json.Marshal(extra)
		if err != nil {
			return nil, fmt.Errorf("failed to encode extra state: %w", err)
		}
		checkpoint.Extra = raw
	}

	metadataPath := filepath.Join(dir, "checkpoint.json")
	if err := saveCheckpointMetadata(checkpoint, metadataPath); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint metadata: %w", err)
	}
	return checkpoint, nil
}

// LoadCheckpoint restores a checkpoint saved with SaveCheckpoint into the
// runner: parameter values are copied in place and the epoch and iteration
// counters resume where the run left off. The returned metadata carries any
// extra state for the caller to decode.
func LoadCheckpoint(dir string, r *Runner) (*Checkpoint, error) {
	metadataPath := filepath.Join(dir, "checkpoint.json")
	checkpoint, err := loadCheckpointMetadata(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint metadata: %w", err)
	}

	if err := loadParameters(checkpointParams(r), checkpoint.ModelPath); err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	r.Epoch = checkpoint.Epoch
	r.Iter = checkpoint.Iter
	if r.Optimizer != nil && checkpoint.LearningRate > 0 {
		r.Optimizer.SetLearningRate(checkpoint.LearningRate)
	}
	return checkpoint, nil
}

func checkpointParams(r *Runner) []*nn.Parameter {
	if r.Optimizer != nil {
		return r.Optimizer.Params()
	}
	if r.Model != nil {
		return r.Model.Parameters()
	}
	return nil
}

func saveParameters(params []*nn.Parameter, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	err = binary.Write(writer, binary.LittleEndian, int32(len(params)))
	if err != nil {
		return fmt.Errorf("failed to write parameter count: %w", err)
	}

	for i, param := range params {
		err = binary.Write(writer, binary.LittleEndian, int32(len(param.Data.Shape)))
		if err != nil {
			return fmt.Errorf("failed to write shape length for parameter %d: %w", i, err)
		}
		for _, dim := range param.Data.Shape {
			err = binary.Write(writer, binary.LittleEndian, int32(dim))
			if err != nil {
				return fmt.Errorf("failed to write shape dimension for parameter %d: %w", i, err)
			}
		}

		// Values are stored widened to full precision regardless of the
		// parameter's storage dtype.
		values := param.Data.Float32s()
		err = binary.Write(writer, binary.LittleEndian, int32(len(values)))
		if err != nil {
			return fmt.Errorf("failed to write data length for parameter %d: %w", i, err)
		}
		for _, val := range values {
			err = binary.Write(writer, binary.LittleEndian, val)
			if err != nil {
				return fmt.Errorf("failed to write data for parameter %d: %w", i, err)
			}
		}

		requiresGrad := int32(0)
		if param.RequiresGrad {
			requiresGrad = 1
		}
		err = binary.Write(writer, binary.LittleEndian, requiresGrad)
		if err != nil {
			return fmt.Errorf("failed to write requires_grad for parameter %d: %w", i, err)
		}
	}
	return nil
}

func loadParameters(params []*nn.Parameter, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open model file: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)

	var paramCount int32
	err = binary.Read(reader, binary.LittleEndian, &paramCount)
	if err != nil {
		return fmt.Errorf("failed to read parameter count: %w", err)
	}
	if len(params) != int(paramCount) {
		return fmt.Errorf("parameter count mismatch: expected %d, got %d", len(params), paramCount)
	}

	for i := 0; i < int(paramCount); i++ {
		var shapeLen int32
		err = binary.Read(reader, binary.LittleEndian, &shapeLen)
		if err != nil {
			return fmt.Errorf("failed to read shape length for parameter %d: %w", i, err)
		}
		shape := make([]int, shapeLen)
		for j := 0; j < int(shapeLen); j++ {
			var dim int32
			err = binary.Read(reader, binary.LittleEndian, &dim)
			if err != nil {
				return fmt.Errorf("failed to read shape dimension for parameter %d: %w", i, err)
			}
			shape[j] = int(dim)
		}

		if len(shape) != len(params[i].Data.Shape) {
			return fmt.Errorf("shape dimension mismatch for parameter %d", i)
		}
		for j, dim := range shape {
			if dim != params[i].Data.Shape[j] {
				return fmt.Errorf("shape mismatch for parameter %d at dimension %d", i, j)
			}
		}

		var dataLen int32
		err = binary.Read(reader, binary.LittleEndian, &dataLen)
		if err != nil {
			return fmt.Errorf("failed to read data length for parameter %d: %w", i, err)
		}
		if int(dataLen) != params[i].Data.NumElements() {
			return fmt.Errorf("data length mismatch for parameter %d", i)
		}

		values := make([]float32, dataLen)
		for j := 0; j < int(dataLen); j++ {
			var val float32
			err = binary.Read(reader, binary.LittleEndian, &val)
			if err != nil {
				return fmt.Errorf("failed to read data for parameter %d: %w", i, err)
			}
			values[j] = val
		}
		if err := params[i].Data.SetFloat32s(values); err != nil {
			return fmt.Errorf("failed to restore data for parameter %d: %w", i, err)
		}

		var requiresGrad int32
		err = binary.Read(reader, binary.LittleEndian, &requiresGrad)
		if err != nil {
			return fmt.Errorf("failed to read requires_grad for parameter %d: %w", i, err)
		}
		params[i].RequiresGrad = requiresGrad != 0
	}
	return nil
}

func saveCheckpointMetadata(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint metadata file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint metadata: %w", err)
	}
	return nil
}

func loadCheckpointMetadata(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint metadata file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint metadata: %w", err)
	}
	return &checkpoint, nil
}
