package extraction

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/loreforge/loreforge/internal/aisearch"
	"github.com/loreforge/loreforge/internal/model"
)

// ShardBatch is the output of one factory pass: valid shard candidates plus
// the reasons anything was rejected.
type ShardBatch struct {
	Shards   []model.Shard
	Rejected []string
}

// BuildShards transforms parsed AI-search content into shard candidates.
// Every item of a known content type becomes one shard whose text is the
// canonical JSON of the item. Empty items and items that fail validation are
// rejected with a reason instead of aborting the batch.
func BuildShards(campaignID, resourceID uuid.UUID, resourceName string, chunks []*aisearch.Structured) ShardBatch {
	var out ShardBatch
	epochMs := time.Now().UnixMilli()

	for _, chunk := range chunks {
		for ct, items := range chunk.Items {
			for i, item := range items {
				if len(item) == 0 {
					out.Rejected = append(out.Rejected,
						fmt.Sprintf("empty %s item at index %d", ct, i))
					continue
				}
				text, err := json.Marshal(item)
				if err != nil {
					out.Rejected = append(out.Rejected,
						fmt.Sprintf("unencodable %s item at index %d: %v", ct, i, err))
					continue
				}

				shard := model.Shard{
					ID:         shardID(resourceID, ct, epochMs, i),
					CampaignID: campaignID,
					ResourceID: resourceID,
					Type:       ct,
					Content:    string(text),
					Metadata: map[string]any{
						"campaignId":   campaignID.String(),
						"resourceId":   resourceID.String(),
						"resourceName": resourceName,
						"entityType":   string(ct),
						"confidence":   item["confidence"],
						"sourceRef":    item["source_ref"],
					},
				}
				if reason := validateShard(shard); reason != "" {
					out.Rejected = append(out.Rejected, reason)
					continue
				}
				out.Shards = append(out.Shards, shard)
			}
		}
	}
	return out
}

// shardID builds <resourceId>_<contentType>_<epochMs>_<index>_<rand>.
func shardID(resourceID uuid.UUID, ct model.ContentType, epochMs int64, index int) string {
	return fmt.Sprintf("%s_%s_%d_%d_%04x", resourceID, ct, epochMs, index, rand.Intn(0x10000))
}

// validateShard rejects candidates missing the fields the projector relies
// on. Returns the rejection reason, empty when valid.
func validateShard(s model.Shard) string {
	switch {
	case s.ID == "":
		return "shard missing id"
	case s.Content == "" || s.Content == "{}" || s.Content == "null":
		return fmt.Sprintf("shard %s has no content", s.ID)
	case s.Metadata["campaignId"] == "":
		return fmt.Sprintf("shard %s missing campaignId", s.ID)
	case s.Metadata["entityType"] == "":
		return fmt.Sprintf("shard %s missing entityType", s.ID)
	}
	return ""
}
