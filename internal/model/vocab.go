package model

import "strings"

// ContentType is the closed vocabulary of structured RPG primitives that the
// AI-search pipeline can extract from a source document. Each shard carries
// exactly one of these as its entity type.
type ContentType string

// Structured-content vocabulary.
const (
	ContentMonster       ContentType = "monster"
	ContentNPC           ContentType = "npc"
	ContentSpell         ContentType = "spell"
	ContentItem          ContentType = "item"
	ContentTrap          ContentType = "trap"
	ContentHazard        ContentType = "hazard"
	ContentCondition     ContentType = "condition"
	ContentVehicle       ContentType = "vehicle"
	ContentEnvEffect     ContentType = "env_effect"
	ContentHook          ContentType = "hook"
	ContentPlotLine      ContentType = "plot_line"
	ContentQuest         ContentType = "quest"
	ContentScene         ContentType = "scene"
	ContentLocation      ContentType = "location"
	ContentLair          ContentType = "lair"
	ContentFaction       ContentType = "faction"
	ContentDeity         ContentType = "deity"
	ContentBackground    ContentType = "background"
	ContentFeat          ContentType = "feat"
	ContentSubclass      ContentType = "subclass"
	ContentCharacter     ContentType = "character"
	ContentCharSheet     ContentType = "character_sheet"
	ContentRule          ContentType = "rule"
	ContentDowntime      ContentType = "downtime"
	ContentTable         ContentType = "table"
	ContentEncounterTbl  ContentType = "encounter_table"
	ContentTreasureTbl   ContentType = "treasure_table"
	ContentMap           ContentType = "map"
	ContentHandout       ContentType = "handout"
	ContentPuzzle        ContentType = "puzzle"
	ContentTimeline      ContentType = "timeline"
	ContentTravel        ContentType = "travel"
	ContentCustom        ContentType = "custom"
)

// contentTypes is the membership set for ValidContentType.
var contentTypes = func() map[ContentType]bool {
	set := make(map[ContentType]bool)
	for _, t := range []ContentType{
		ContentMonster, ContentNPC, ContentSpell, ContentItem, ContentTrap,
		ContentHazard, ContentCondition, ContentVehicle, ContentEnvEffect,
		ContentHook, ContentPlotLine, ContentQuest, ContentScene,
		ContentLocation, ContentLair, ContentFaction, ContentDeity,
		ContentBackground, ContentFeat, ContentSubclass, ContentCharacter,
		ContentCharSheet, ContentRule, ContentDowntime, ContentTable,
		ContentEncounterTbl, ContentTreasureTbl, ContentMap, ContentHandout,
		ContentPuzzle, ContentTimeline, ContentTravel, ContentCustom,
	} {
		set[t] = true
	}
	return set
}()

// ValidContentType reports whether t belongs to the structured-content vocabulary.
func ValidContentType(t string) bool {
	return contentTypes[ContentType(t)]
}

// ContentTypes returns the full vocabulary in stable order, for prompts.
func ContentTypes() []ContentType {
	out := make([]ContentType, 0, len(contentTypes))
	for _, t := range []ContentType{
		ContentMonster, ContentNPC, ContentSpell, ContentItem, ContentTrap,
		ContentHazard, ContentCondition, ContentVehicle, ContentEnvEffect,
		ContentHook, ContentPlotLine, ContentQuest, ContentScene,
		ContentLocation, ContentLair, ContentFaction, ContentDeity,
		ContentBackground, ContentFeat, ContentSubclass, ContentCharacter,
		ContentCharSheet, ContentRule, ContentDowntime, ContentTable,
		ContentEncounterTbl, ContentTreasureTbl, ContentMap, ContentHandout,
		ContentPuzzle, ContentTimeline, ContentTravel, ContentCustom,
	} {
		out = append(out, t)
	}
	return out
}

// RelationshipType is the closed vocabulary of entity relationship types,
// grouped into family, social, organizational, spatial, ownership and
// narrative categories.
type RelationshipType string

// Relationship vocabulary.
const (
	// Family.
	RelParentOf         RelationshipType = "parent_of"
	RelChildOf          RelationshipType = "child_of"
	RelSiblingOf        RelationshipType = "sibling_of"
	RelMarriedTo        RelationshipType = "married_to"
	RelRelatedByBlood   RelationshipType = "related_to_by_blood"
	// Social.
	RelAlliedWith RelationshipType = "allied_with"
	RelEnemyOf    RelationshipType = "enemy_of"
	RelRivalOf    RelationshipType = "rival_of"
	RelMentorOf   RelationshipType = "mentor_of"
	RelFriendOf   RelationshipType = "friend_of"
	// Organizational.
	RelMemberOf RelationshipType = "member_of"
	RelLeaderOf RelationshipType = "leader_of"
	RelRuledBy  RelationshipType = "ruled_by"
	// Spatial.
	RelLocatedIn RelationshipType = "located_in"
	RelContains  RelationshipType = "contains"
	RelBorders   RelationshipType = "borders"
	// Ownership.
	RelOwns    RelationshipType = "owns"
	RelOwnedBy RelationshipType = "owned_by"
	// Narrative.
	RelRelatedTo  RelationshipType = "related_to"
	RelAppearsIn  RelationshipType = "appears_in"
	RelReferences RelationshipType = "references"
)

var relationshipTypes = map[RelationshipType]bool{
	RelParentOf: true, RelChildOf: true, RelSiblingOf: true, RelMarriedTo: true,
	RelRelatedByBlood: true, RelAlliedWith: true, RelEnemyOf: true,
	RelRivalOf: true, RelMentorOf: true, RelFriendOf: true, RelMemberOf: true,
	RelLeaderOf: true, RelRuledBy: true, RelLocatedIn: true, RelContains: true,
	RelBorders: true, RelOwns: true, RelOwnedBy: true, RelRelatedTo: true,
	RelAppearsIn: true, RelReferences: true,
}

// CanonicalRelationshipType maps an arbitrary relationship type string onto
// the closed vocabulary. Unknown types fall back to related_to.
func CanonicalRelationshipType(raw string) RelationshipType {
	t := RelationshipType(strings.ToLower(strings.TrimSpace(raw)))
	if relationshipTypes[t] {
		return t
	}
	return RelRelatedTo
}

// NotificationType is the closed vocabulary of notification payload types.
// Types outside this set are allowed only under the "system:" prefix.
type NotificationType string

// Notification vocabulary.
const (
	NotifyShardsGenerated    NotificationType = "shards_generated"
	NotifyShardApproved      NotificationType = "shard_approved"
	NotifyShardRejected      NotificationType = "shard_rejected"
	NotifyFileUploaded       NotificationType = "file_uploaded"
	NotifyFileUploadFailed   NotificationType = "file_upload_failed"
	NotifyIndexingStarted    NotificationType = "indexing_started"
	NotifyIndexingCompleted  NotificationType = "indexing_completed"
	NotifyIndexingFailed     NotificationType = "indexing_failed"
	NotifyCampaignFileAdded  NotificationType = "campaign_file_added"
	NotifyFileStatusUpdated  NotificationType = "file_status_updated"
	NotifyCampaignCreated    NotificationType = "campaign_created"
	NotifyCampaignDeleted    NotificationType = "campaign_deleted"
	NotifyRebuildStarted     NotificationType = "rebuild_started"
	NotifyRebuildProgress    NotificationType = "rebuild_progress"
	NotifyRebuildCompleted   NotificationType = "rebuild_completed"
	NotifyRebuildFailed      NotificationType = "rebuild_failed"
	NotifyRebuildCancelled   NotificationType = "rebuild_cancelled"
	NotifySuccess            NotificationType = "success"
	NotifyError              NotificationType = "error"
	NotifyConnected          NotificationType = "connected"
	NotifyDurableObjectReset NotificationType = "durable-object-reset"
)

var notificationTypes = map[NotificationType]bool{
	NotifyShardsGenerated: true, NotifyShardApproved: true,
	NotifyShardRejected: true, NotifyFileUploaded: true,
	NotifyFileUploadFailed: true, NotifyIndexingStarted: true,
	NotifyIndexingCompleted: true, NotifyIndexingFailed: true,
	NotifyCampaignFileAdded: true, NotifyFileStatusUpdated: true,
	NotifyCampaignCreated: true, NotifyCampaignDeleted: true,
	NotifyRebuildStarted: true, NotifyRebuildProgress: true,
	NotifyRebuildCompleted: true, NotifyRebuildFailed: true,
	NotifyRebuildCancelled: true, NotifySuccess: true, NotifyError: true,
	NotifyConnected: true, NotifyDurableObjectReset: true,
}

// ValidNotificationType reports whether t is a registered notification type
// or a system-scoped type ("system:*").
func ValidNotificationType(t string) bool {
	if strings.HasPrefix(t, "system:") {
		return true
	}
	return notificationTypes[NotificationType(t)]
}
