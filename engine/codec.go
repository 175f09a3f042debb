package engine

import (
	"encoding/json"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/pkg/errors"
)

func encodeData(list []model.ProcessData) ([]byte, error) {
	if len(list) == 0 {
		return nil, nil
	}
	return json.Marshal(list)
}

func decodeData(b []byte) ([]model.ProcessData, error) {
	if len(b) == 0 {
		return nil, nil
	}
	ret := make([]model.ProcessData, 0)
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func encodeHandles(hs []store.Handle) ([]byte, error) {
	ids := make([]int64, 0, len(hs))
	for _, h := range hs {
		ids = append(ids, int64(h))
	}
	return json.Marshal(ids)
}

func decodeHandles(b []byte) ([]store.Handle, error) {
	if len(b) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0)
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, err
	}
	ret := make([]store.Handle, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, store.Handle(id))
	}
	return ret, nil
}

func toNodeInstancePo(n *NodeInstance) (*store.NodeInstancePo, error) {
	predecessors, err := encodeHandles(n.Predecessors)
	if err != nil {
		return nil, errors.WithMessagef(err, "encode predecessors failed, node instance: %d", n.Handle)
	}
	results, err := encodeData(n.Results)
	if err != nil {
		return nil, errors.WithMessagef(err, "encode results failed, node instance: %d", n.Handle)
	}
	return &store.NodeInstancePo{
		ID:                int64(n.Handle),
		ProcessInstanceID: int64(n.ProcessInstance),
		NodeID:            n.NodeID,
		EntryNo:           n.EntryNo,
		Predecessors:      predecessors,
		State:             string(n.State),
		Results:           results,
		FailureCause:      n.FailureCause,
		ChildInstanceID:   int64(n.ChildInstance),
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}, nil
}

func fromNodeInstancePo(po *store.NodeInstancePo) (*NodeInstance, error) {
	predecessors, err := decodeHandles(po.Predecessors)
	if err != nil {
		return nil, errors.WithMessagef(err, "decode predecessors failed, node instance: %d", po.ID)
	}
	results, err := decodeData(po.Results)
	if err != nil {
		return nil, errors.WithMessagef(err, "decode results failed, node instance: %d", po.ID)
	}
	return &NodeInstance{
		Handle:          store.Handle(po.ID),
		ProcessInstance: store.Handle(po.ProcessInstanceID),
		NodeID:          po.NodeID,
		EntryNo:         po.EntryNo,
		Predecessors:    predecessors,
		State:           NodeInstanceState(po.State),
		Results:         results,
		FailureCause:    po.FailureCause,
		ChildInstance:   store.Handle(po.ChildInstanceID),
		CreatedAt:       po.CreatedAt,
		UpdatedAt:       po.UpdatedAt,
	}, nil
}

func toProcessInstancePo(p *ProcessInstance) (*store.ProcessInstancePo, error) {
	inputs, err := encodeData(p.Inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "encode inputs failed, process instance: %d", p.Handle)
	}
	outputs, err := encodeData(p.Outputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "encode outputs failed, process instance: %d", p.Handle)
	}
	return &store.ProcessInstancePo{
		ID:             int64(p.Handle),
		UUID:           p.UUID,
		Owner:          p.Owner,
		ModelID:        p.ModelID,
		Generation:     p.Generation,
		State:          string(p.State),
		ParentActivity: int64(p.ParentActivity),
		Inputs:         inputs,
		Outputs:        outputs,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}, nil
}

func fromProcessInstancePo(po *store.ProcessInstancePo) (*ProcessInstance, error) {
	inputs, err := decodeData(po.Inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "decode inputs failed, process instance: %d", po.ID)
	}
	outputs, err := decodeData(po.Outputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "decode outputs failed, process instance: %d", po.ID)
	}
	return &ProcessInstance{
		Handle:         store.Handle(po.ID),
		UUID:           po.UUID,
		Owner:          po.Owner,
		ModelID:        po.ModelID,
		Generation:     po.Generation,
		State:          ProcessInstanceState(po.State),
		ParentActivity: store.Handle(po.ParentActivity),
		Inputs:         inputs,
		Outputs:        outputs,
		CreatedAt:      po.CreatedAt,
		UpdatedAt:      po.UpdatedAt,
		Nodes:          make([]*NodeInstance, 0),
	}, nil
}

func decodeAggregate(agg *store.Aggregate) (*ProcessInstance, error) {
	p, err := fromProcessInstancePo(agg.Instance)
	if err != nil {
		return nil, err
	}
	for _, po := range agg.Nodes {
		n, err := fromNodeInstancePo(po)
		if err != nil {
			return nil, err
		}
		p.Nodes = append(p.Nodes, n)
	}
	return p, nil
}
