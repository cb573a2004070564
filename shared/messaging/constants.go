package messaging

// Имена очередей и exchange'ей пайплайна принятия решений
const (
	// TaskQueueName - очередь входящих задач на принятие решения
	TaskQueueName = "agent_decision_tasks"

	// Dead Letter Exchange/Queue для задач, исчерпавших обработку
	DeadLetterExchange   = "agent_decision_tasks_dlx"
	DeadLetterQueue      = "agent_decision_tasks_dlq"
	DeadLetterRoutingKey = "dlq"

	// ResultExchange - fanout exchange для готовых решений
	ResultExchange = "agent_decision_results"
)
