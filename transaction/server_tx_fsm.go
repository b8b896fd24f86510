// Originally forked from https://github.com/ghettovoice/gosip by @ghetovoice
package transaction

import (
	"fmt"
	"time"
)

// INVITE server state machine - RFC 3261 17.2.1.
// Proceeding -> (2xx) Accepted | (non 2xx) Completed -> (ACK) Confirmed -> Terminated.
func (tx *ServerTx) inviteStateProcceeding(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case server_input_request:
		tx.fsmState, spinfn = tx.inviteStateProcceeding, tx.actRespond
	case server_input_cancel:
		tx.fsmState, spinfn = tx.inviteStateProcceeding, tx.actCancel
	case server_input_user_1xx:
		tx.fsmState, spinfn = tx.inviteStateProcceeding, tx.actRespond
	case server_input_user_2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actRespondAccept
	case server_input_user_300_plus:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespondComplete
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		return FsmInputNone
	}

	return spinfn()
}

func (tx *ServerTx) inviteStateCompleted(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case server_input_request:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespond
	case server_input_ack:
		tx.fsmState, spinfn = tx.inviteStateConfirmed, tx.actConfirm
	case server_input_cancel:
		// Too late to cancel, 200 OK the CANCEL with no effect on INVITE.
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actAnswerCancel
	case server_input_timer_g:
		tx.fsmState, spinfn = tx.inviteStateCompleted, tx.actRespondComplete
	case server_input_timer_h:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTimeoutDelete
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}

	return spinfn()
}

func (tx *ServerTx) inviteStateConfirmed(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case server_input_timer_i:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateAccepted(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case server_input_ack:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actPassupAck
	case server_input_user_2xx:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actRespond
	case server_input_cancel:
		tx.fsmState, spinfn = tx.inviteStateAccepted, tx.actAnswerCancel
	case server_input_timer_l:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateTerminated(s FsmInput) FsmInput {
	var spinfn FsmState
	// Terminated
	switch s {
	case server_input_delete:
		tx.fsmState, spinfn = tx.inviteStateTerminated, tx.actDelete
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Non INVITE server state machine - RFC 3261 17.2.2.
// Trying -> Proceeding -> Completed -> (Timer J) Terminated.
func (tx *ServerTx) stateTrying(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case server_input_user_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case server_input_user_2xx:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_user_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		// Request retransmissions in Trying state are absorbed with no answer.
		return FsmInputNone
	}
	return spinfn()
}

// Proceeding
func (tx *ServerTx) stateProceeding(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case server_input_request:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case server_input_user_1xx:
		tx.fsmState, spinfn = tx.stateProceeding, tx.actRespond
	case server_input_user_2xx:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_user_300_plus:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actFinal
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Completed
func (tx *ServerTx) stateCompleted(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case server_input_request:
		tx.fsmState, spinfn = tx.stateCompleted, tx.actRespond
	case server_input_timer_j:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	case server_input_transport_err:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Terminated
func (tx *ServerTx) stateTerminated(s FsmInput) FsmInput {
	var spinfn FsmState
	switch s {
	case server_input_delete:
		tx.fsmState, spinfn = tx.stateTerminated, tx.actDelete
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// actRespond resends last response. Absorbs request retransmissions.
func (tx *ServerTx) actRespond() FsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	return FsmInputNone
}

// actRespondComplete sends non 2xx final and keeps retransmitting it on
// Timer G, doubling up to T2, until ACK arrives or Timer H gives up.
func (tx *ServerTx) actRespondComplete() FsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	tx.mu.Lock()
	if tx.timer_g == nil {
		tx.timer_g = time.AfterFunc(tx.timer_g_time, func() {
			tx.spinFsm(server_input_timer_g)
		})
	} else {
		tx.timer_g_time *= 2
		if tx.timer_g_time > T2 {
			tx.timer_g_time = T2
		}

		tx.timer_g.Reset(tx.timer_g_time)
	}

	if tx.timer_h == nil {
		tx.timer_h = time.AfterFunc(Timer_H, func() {
			tx.spinFsm(server_input_timer_h)
		})
	}
	tx.mu.Unlock()

	return FsmInputNone
}

// actRespondAccept sends 2xx. ACK for it is a separate transaction, Timer L
// just bounds how long 2xx retransmissions are accepted.
func (tx *ServerTx) actRespondAccept() FsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	tx.mu.Lock()
	tx.timer_l = time.AfterFunc(Timer_L, func() {
		tx.spinFsm(server_input_timer_l)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ServerTx) actPassupAck() FsmInput {
	tx.passAck()
	return FsmInputNone
}

// Send final response
func (tx *ServerTx) actFinal() FsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	tx.mu.Lock()
	tx.timer_j = time.AfterFunc(Timer_J, func() {
		tx.spinFsm(server_input_timer_j)
	})

	tx.mu.Unlock()

	return FsmInputNone
}

// Inform user of transport error
func (tx *ServerTx) actTransErr() FsmInput {
	tx.transportErr()

	return server_input_delete
}

// actTimeoutDelete fires when Timer H expires without ACK.
func (tx *ServerTx) actTimeoutDelete() FsmInput {
	tx.timeoutErr()

	return server_input_delete
}

// Just delete the transaction.
func (tx *ServerTx) actDelete() FsmInput {
	tx.delete()

	return FsmInputNone
}

func (tx *ServerTx) actConfirm() FsmInput {
	tx.mu.Lock()

	if tx.timer_g != nil {
		tx.timer_g.Stop()
		tx.timer_g = nil
	}

	if tx.timer_h != nil {
		tx.timer_h.Stop()
		tx.timer_h = nil
	}

	tx.timer_i = time.AfterFunc(Timer_I, func() {
		tx.spinFsm(server_input_timer_i)
	})

	tx.mu.Unlock()

	tx.passAck()
	return FsmInputNone
}

// actCancel answers 200 OK on CANCEL and passes it to transaction user,
// which is expected to produce 487 on this INVITE transaction.
func (tx *ServerTx) actCancel() FsmInput {
	tx.answerCancel()
	tx.passCancel()
	return FsmInputNone
}

func (tx *ServerTx) actAnswerCancel() FsmInput {
	tx.answerCancel()
	return FsmInputNone
}

func (tx *ServerTx) transportErr() {
	tx.mu.RLock()
	err := tx.lastErr
	tx.mu.RUnlock()

	err = fmt.Errorf("transaction failed to send %s: %w", tx.key, err)

	go tx.sendErr(err)
}

func (tx *ServerTx) timeoutErr() {
	err := fmt.Errorf("transaction timed out: %w", ErrTimeout)

	tx.mu.Lock()
	tx.lastErr = err
	tx.mu.Unlock()

	go tx.sendErr(err)
}
