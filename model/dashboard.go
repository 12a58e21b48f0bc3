package model

// DashboardSummary aggregates counts across all instances and tasks.
type DashboardSummary struct {
	TotalEntities      int `json:"total_entities"`
	PendingTasks       int `json:"pending_tasks"`
	ActiveInstances    int `json:"active_instances"`
	CompletedTasks     int `json:"completed_tasks"`
	BlockedInstances   int `json:"blocked_instances"`
	CompletedInstances int `json:"completed_instances"`
	OverdueTasks       int `json:"overdue_tasks"`
}
