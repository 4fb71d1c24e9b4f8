package domain

// IncidentInfo - узкая проекция инцидента, достаточная для посева
// участников диалога; остальные поля инцидента здесь не нужны
type IncidentInfo struct {
	ID           string  `json:"id" bson:"id"`
	Title        string  `json:"title" bson:"title"`
	ReporterID   string  `json:"reporter_id" bson:"reporter_id"`
	ReporterName string  `json:"reporter_name" bson:"reporter_name"`
	AssignedTo   *string `json:"assigned_to,omitempty" bson:"assigned_to,omitempty"`
}
