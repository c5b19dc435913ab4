package graphstore

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/graphmcp/server/internal/model"
	"github.com/graphmcp/server/internal/svrerr"
)

// AzureTxLog decorates a Store with Azure Blob + Queue backed GraphTx
// fan-out, grounded on mcpsvr/resources/azresources' blob-backed
// toolCallStore (store.go, container-per-tenant blob upload with
// create-container-on-miss retry) and queue-backed PhaseMgr (phasemgr.go,
// enqueue-a-message-to-wake-a-consumer): the same "durable blob per
// resource, queue message to wake consumers" idiom, applied here to GraphTx
// anchors instead of tool-call phases. Every other Store method passes
// straight through to the wrapped Store; only AppendGraphTx fans out.
type AzureTxLog struct {
	Store
	blobs     *azblob.Client
	queue     *azqueue.QueueClient
	container string
}

// NewAzureTxLog wraps store with Azure-backed GraphTx fan-out into
// container (created lazily on first upload) and queue (created eagerly so
// a misconfigured queue URL fails fast at startup instead of on first
// rebuild).
func NewAzureTxLog(ctx context.Context, store Store, blobs *azblob.Client, queue *azqueue.QueueClient, container string) (*AzureTxLog, error) {
	if _, err := queue.Create(ctx, nil); err != nil {
		return nil, err
	}
	return &AzureTxLog{Store: store, blobs: blobs, queue: queue, container: container}, nil
}

// AppendGraphTx persists tx through the wrapped Store first, then uploads a
// durable JSON copy to blob storage (one blob per projectID/txID, paralleling
// toolCallStore's tenant-container/tool-name-and-id blob naming) and enqueues
// a wake-up message so an out-of-process consumer (a secondary indexer, a
// notification sink) can follow the tx log without polling the graph store.
// A failure here does not roll back the underlying AppendGraphTx: the graph
// store's own log is still the source of truth.
func (a *AzureTxLog) AppendGraphTx(ctx context.Context, tx *model.GraphTx) *svrerr.ServerError {
	if se := a.Store.AppendGraphTx(ctx, tx); se != nil {
		return se
	}

	buf, err := json.Marshal(tx)
	if err != nil {
		return svrerr.Internal("GRAPH_TX_AZURE_MARSHAL_FAILED", err)
	}

	blobName := tx.ProjectID + "/" + tx.ID
	for {
		_, err := a.blobs.UploadBuffer(ctx, a.container, blobName, buf, nil)
		if err == nil {
			break
		}
		if !bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return svrerr.Internal("GRAPH_TX_AZURE_UPLOAD_FAILED", err)
		}
		if _, err := a.blobs.CreateContainer(ctx, a.container, nil); err != nil {
			return svrerr.Internal("GRAPH_TX_AZURE_CONTAINER_FAILED", err)
		}
	}

	if _, err := a.queue.EnqueueMessage(ctx, string(buf), nil); err != nil {
		return svrerr.Internal("GRAPH_TX_AZURE_ENQUEUE_FAILED", err)
	}
	return nil
}
