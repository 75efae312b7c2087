package engine

import "fmt"

// Node is a single computation in a model graph.
type Node interface {
	// Output is the name of the tensor the node produces.
	Output() string
	Dependencies() []string
}

// BuildDAG returns the nodes needed to compute wantTensors, in an order in
// which every node comes after the nodes it depends on.
// Names in available (model inputs, constants) need no computation.
func BuildDAG[N Node](nodes []N, available map[string]bool, wantTensors []string) ([]N, error) {
	producers := make(map[string]N, len(nodes))
	for _, node := range nodes {
		if _, ok := producers[node.Output()]; ok {
			return nil, fmt.Errorf("tensor %q is produced by more than one node", node.Output())
		}
		producers[node.Output()] = node
	}

	// Walk backwards from the wanted tensors to find what is needed.
	needed := make(map[string]bool)
	queue := append([]string(nil), wantTensors...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if needed[name] || available[name] {
			continue
		}
		node, ok := producers[name]
		if !ok {
			return nil, fmt.Errorf("tensor %q could not be computed (unreachable in computation graph): %w", name, ErrUnknownTensor)
		}
		needed[name] = true
		queue = append(queue, node.Dependencies()...)
	}

	evaluationOrder := make([]N, 0, len(needed))
	done := make(map[string]bool, len(needed))

	for {
		progress := false
		for _, node := range nodes {
			id := node.Output()
			if done[id] || !needed[id] {
				continue
			}

			ready := true
			for _, dep := range node.Dependencies() {
				if !done[dep] && !available[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				evaluationOrder = append(evaluationOrder, node)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if len(evaluationOrder) != len(needed) {
		return nil, fmt.Errorf("computation graph has a cycle")
	}

	return evaluationOrder, nil
}
