package engine_test

import (
	"errors"
	"fmt"

	"github.com/openfroyo/confdeploy/pkg/engine"
)

func ExampleDefaultPolicy() {
	policy := engine.DefaultPolicy()

	fmt.Println("mode:", policy.Mode)
	fmt.Println("batch size:", policy.BatchSize)
	fmt.Println("max failure rate:", policy.MaxFailureRate)
	fmt.Println("rollback:", policy.RollbackOnFailure)
	fmt.Println("retries:", policy.MaxRetries)

	// Output:
	// mode: parallel
	// batch size: 5
	// max failure rate: 0.2
	// rollback: true
	// retries: 2
}

func ExampleParseDeploymentMode() {
	for _, s := range []string{"rolling", "canary"} {
		mode, err := engine.ParseDeploymentMode(s)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		fmt.Println("mode:", mode)
	}

	// Output:
	// mode: rolling
	// error: invalid deployment mode: canary
}

func ExampleEngineError() {
	err := engine.NewTransientError("failed to connect", errors.New("connection refused")).
		WithCode(engine.ErrCodeCollaboratorFailed).
		WithOperation(engine.OpCheckConnectivity).
		WithTarget("prom-1")

	fmt.Println(err)
	fmt.Println("retryable:", engine.IsRetryable(err))

	wrapped := fmt.Errorf("step failed: %w", err)
	fmt.Println("transient through wrap:", engine.IsTransient(wrapped))

	denied := engine.NewPermanentError("deployment denied by policy", nil).WithCode(engine.ErrCodePolicyDenied)
	fmt.Println("policy denied:", errors.Is(denied, engine.ErrPolicyDenied))
	fmt.Println("retryable:", engine.IsRetryable(denied))

	// Output:
	// [transient] failed to connect: connection refused (target=prom-1, operation=check_connectivity)
	// retryable: true
	// transient through wrap: true
	// policy denied: true
	// retryable: false
}

func ExampleProgress() {
	p := engine.Progress{Total: 10, Completed: 6, Failed: 2, Pending: 2}

	fmt.Println("attempted:", p.Attempted())
	fmt.Printf("failure rate: %.2f\n", p.FailureRate())
	fmt.Println("consistent:", p.Consistent())

	// Output:
	// attempted: 8
	// failure rate: 0.25
	// consistent: true
}
