package domain

import (
	"gorm.io/datatypes"

	"github.com/apiforge/apiforge-backend/internal/domain/auth"
	"github.com/apiforge/apiforge-backend/internal/domain/generation"
	"github.com/apiforge/apiforge-backend/internal/domain/project"
	"github.com/apiforge/apiforge-backend/internal/domain/sandboxes"
	"github.com/apiforge/apiforge-backend/internal/domain/user"
)

type User = user.User
type UserToken = auth.UserToken

type Project = project.Project
type ProjectFile = project.File
type ProjectMessage = project.Message
type Framework = project.Framework
type ProjectStatus = project.Status
type MessageRole = project.MessageRole

type GenerationJob = generation.Job
type JobStatus = generation.JobStatus
type Stage = generation.Stage
type Version = generation.Version
type VersionStatus = generation.VersionStatus
type CommandType = generation.CommandType
type CodeModification = generation.Modification
type ModificationType = generation.ModificationType
type ModificationStatus = generation.ModificationStatus
type GeneratedFile = generation.GeneratedFile
type FileStreamStatus = generation.FileStreamStatus
type FileDiff = generation.FileDiff
type FileChangeState = generation.FileChangeState

type Sandbox = sandboxes.Sandbox
type SandboxStatus = sandboxes.Status

const (
	FrameworkFastAPI = project.FrameworkFastAPI
	FrameworkExpress = project.FrameworkExpress

	ProjectStatusDraft      = project.StatusDraft
	ProjectStatusGenerating = project.StatusGenerating
	ProjectStatusCompleted  = project.StatusCompleted
	ProjectStatusFailed     = project.StatusFailed
	ProjectStatusDeployed   = project.StatusDeployed

	MessageRoleUser      = project.MessageRoleUser
	MessageRoleAssistant = project.MessageRoleAssistant

	JobTypeProjectGeneration = generation.JobTypeProjectGeneration

	JobStatusQueued    = generation.JobStatusQueued
	JobStatusRunning   = generation.JobStatusRunning
	JobStatusSucceeded = generation.JobStatusSucceeded
	JobStatusFailed    = generation.JobStatusFailed

	StageIdle         = generation.StageIdle
	StageInitializing = generation.StageInitializing
	StageGenerating   = generation.StageGenerating
	StageValidating   = generation.StageValidating
	StageComplete     = generation.StageComplete
	StageError        = generation.StageError

	CommandCreate        = generation.CommandCreate
	CommandModify        = generation.CommandModify
	CommandCreateAndLink = generation.CommandCreateAndLink
	CommandFixError      = generation.CommandFixError
	CommandQuestion      = generation.CommandQuestion

	VersionStatusGenerating = generation.VersionStatusGenerating
	VersionStatusCompleted  = generation.VersionStatusCompleted
	VersionStatusFailed     = generation.VersionStatusFailed

	ModificationEdit   = generation.ModificationEdit
	ModificationCreate = generation.ModificationCreate
	ModificationDelete = generation.ModificationDelete

	ModificationPending  = generation.ModificationPending
	ModificationApplied  = generation.ModificationApplied
	ModificationRejected = generation.ModificationRejected
	ModificationStale    = generation.ModificationStale

	FileAnalyzing = generation.FileAnalyzing
	FileReading   = generation.FileReading
	FileWriting   = generation.FileWriting
	FileComplete  = generation.FileComplete

	FileNew       = generation.FileNew
	FileModified  = generation.FileModified
	FileUnchanged = generation.FileUnchanged

	SandboxStatusProvisioning = sandboxes.StatusProvisioning
	SandboxStatusAlive        = sandboxes.StatusAlive
	SandboxStatusStale        = sandboxes.StatusStale
	SandboxStatusRestoring    = sandboxes.StatusRestoring
	SandboxStatusFailed       = sandboxes.StatusFailed
)

func EncodeFileMap(files map[string]string) (datatypes.JSON, error) {
	return generation.EncodeFileMap(files)
}

func DiffAgainstPrevious(files, prev map[string]string) []FileDiff {
	return generation.DiffAgainstPrevious(files, prev)
}
