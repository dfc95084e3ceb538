// Package estimator turns dry-run samples into the deterministic per-step
// predictions the search plans with: hardware reservations and execution
// estimates parameterized by (producer resource -> consumer resource).
package estimator

import (
	"math"

	"github.com/catsproject/cats/cluster"
	"github.com/catsproject/cats/pipeline"
)

// Estimate predicts how long one instance of a step runs. It is a tagged
// variant over the step kinds; every accessor dispatches on Kind rather
// than on an interface hierarchy, so estimates stay plain copyable values.
//
// Field usage per kind:
//
//	Source    Deployment
//	Sink      Deployment, PerInputTransfer, Inputs
//	Batch     Deployment, TransferTotal, Processing
//	Producer  Deployment, TransferTotal, PerOutput, Outputs
//	Consumer  Deployment, PerInputTransfer, PerInput, Inputs, Outputs
type Estimate struct {
	Kind pipeline.StepKind

	Deployment float64 // provisioning + container deployment, seconds

	TransferTotal    float64 // whole-input transfer, batch/producer
	PerInputTransfer float64 // transfer per streamed input, consumer/sink
	Processing       float64 // whole-batch processing, batch
	PerOutput        float64 // production time per output, producer
	PerInput         float64 // processing time per streamed input, consumer

	Inputs  int // streamed inputs this instance will handle
	Outputs int // outputs this instance will emit
}

// ProvisioningAndDeploymentTime is the head-of-event setup time.
func (e Estimate) ProvisioningAndDeploymentTime() float64 { return e.Deployment }

// DataTransmissionTime is the total time spent moving inputs to this
// instance.
func (e Estimate) DataTransmissionTime() float64 {
	switch e.Kind {
	case pipeline.Source:
		return 0
	case pipeline.Sink, pipeline.Consumer:
		return e.PerInputTransfer * float64(e.Inputs)
	default:
		return e.TransferTotal
	}
}

// StepProcessingTime is the total compute time of this instance.
func (e Estimate) StepProcessingTime() float64 {
	switch e.Kind {
	case pipeline.Source, pipeline.Sink:
		return 0
	case pipeline.Batch:
		return e.Processing
	case pipeline.Producer:
		return e.PerOutput * float64(e.Outputs)
	default:
		return e.PerInput * float64(e.Inputs)
	}
}

// TotalTime is the event duration: setup, transfer, and processing.
func (e Estimate) TotalTime() float64 {
	return e.ProvisioningAndDeploymentTime() + e.DataTransmissionTime() + e.StepProcessingTime()
}

// TimeToFirstResult is how long until the instance emits its first output;
// streaming kinds produce results long before TotalTime.
func (e Estimate) TimeToFirstResult() float64 {
	switch e.Kind {
	case pipeline.Producer:
		return e.Deployment + e.TransferTotal + e.PerOutput
	case pipeline.Consumer:
		return e.Deployment + e.PerInputTransfer + e.PerInput
	default:
		return e.TotalTime()
	}
}

// TransmittedInputs is the number of streamed inputs this instance covers.
// One for non-streaming kinds, so input-partition accounting (invariant:
// replica input shares sum to the step total) holds trivially for them.
func (e Estimate) TransmittedInputs() int {
	switch e.Kind {
	case pipeline.Sink, pipeline.Consumer:
		return e.Inputs
	default:
		return 1
	}
}

// ProducedOutputs is the number of outputs this instance emits.
func (e Estimate) ProducedOutputs() int {
	switch e.Kind {
	case pipeline.Producer, pipeline.Consumer:
		return e.Outputs
	default:
		return 1
	}
}

// WithInputShare is the scaling operation: a copy of a consumer estimate
// re-derived for a reduced input share. Per-input and deployment components
// are kept intact; outputs shrink with inputs. Non-consumer estimates are
// returned unchanged.
func (e Estimate) WithInputShare(inputs int) Estimate {
	if e.Kind != pipeline.Consumer {
		return e
	}
	scaled := e
	scaled.Inputs = inputs
	scaled.Outputs = inputs
	return scaled
}

// StepEstimate binds an Estimate to its placement context.
type StepEstimate struct {
	Step             pipeline.StepID
	Resource         cluster.ResourceID
	ProducerResource cluster.ResourceID // NoResource when self-fed
	InputVolumeMB    float64            // the step's own input volume at the operating point
	Estimate         Estimate
}

// HardwareRequirement is the reservation one instance of a step needs on a
// resource.
type HardwareRequirement struct {
	Step     pipeline.StepID
	Resource cluster.ResourceID
	CPUCores float64
	MemoryMB float64
}

// FitsOn reports whether the reservation fits the resource outright.
func (h HardwareRequirement) FitsOn(r cluster.Resource) bool {
	return h.CPUCores <= r.CPUCores && h.MemoryMB <= r.MemoryMB
}

// ShareInputs partitions total inputs across replicas: every replica takes
// the ceiling share and the last takes the remainder, so the shares always
// sum to total.
func ShareInputs(total, replicas int) []int {
	if replicas <= 1 {
		return []int{total}
	}
	share := int(math.Ceil(float64(total) / float64(replicas)))
	shares := make([]int, replicas)
	remaining := total
	for i := 0; i < replicas-1; i++ {
		if share > remaining {
			shares[i] = remaining
			remaining = 0
			continue
		}
		shares[i] = share
		remaining -= share
	}
	shares[replicas-1] = remaining
	return shares
}
