// Package awstest provides in-memory fakes of the narrow AWS client
// interfaces, for tests of the stores and the broker.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB is an in-memory table store that evaluates the condition and
// update expressions the stores issue.
type DynamoDB struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue

	// Err, when set, fails every call. Used to simulate an unavailable store.
	Err   error
	Calls map[string]int
}

// NewDynamoDB returns an empty fake. Tables must be registered with CreateTable.
func NewDynamoDB() *DynamoDB {
	return &DynamoDB{
		keys:   map[string]string{},
		tables: map[string]map[string]map[string]types.AttributeValue{},
		Calls:  map[string]int{},
	}
}

// CreateTable registers table with a string partition key named key.
func (d *DynamoDB) CreateTable(table, key string) *DynamoDB {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[table] = key
	if _, ok := d.tables[table]; !ok {
		d.tables[table] = map[string]map[string]types.AttributeValue{}
	}
	return d
}

// Item returns a copy of the stored item, or nil.
func (d *DynamoDB) Item(table, pk string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.tables[table][pk]
	if !ok {
		return nil
	}
	return clone(item)
}

// SetItem stores item directly, bypassing conditions.
func (d *DynamoDB) SetItem(table string, item map[string]types.AttributeValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pk, err := d.pk(table, item)
	if err != nil {
		return err
	}
	d.tables[table][pk] = clone(item)
	return nil
}

// Len returns the number of items in table.
func (d *DynamoDB) Len(table string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tables[table])
}

func (d *DynamoDB) begin(op string) error {
	d.Calls[op]++
	return d.Err
}

func (d *DynamoDB) pk(table string, item map[string]types.AttributeValue) (string, error) {
	keyName, ok := d.keys[table]
	if !ok {
		return "", &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + table)}
	}
	v, ok := item[keyName].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("missing string key %s for table %s", keyName, table)
	}
	return v.Value, nil
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
}

func (d *DynamoDB) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("PutItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(params.TableName)
	pk, err := d.pk(table, params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil {
		env := exprEnv{names: params.ExpressionAttributeNames, values: params.ExpressionAttributeValues}
		ok, err := env.evalCondition(*params.ConditionExpression, d.current(table, pk))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, conditionFailed()
		}
	}
	d.tables[table][pk] = clone(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (d *DynamoDB) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("GetItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(params.TableName)
	pk, err := d.pk(table, params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := d.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (d *DynamoDB) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("UpdateItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(params.TableName)
	pk, err := d.pk(table, params.Key)
	if err != nil {
		return nil, err
	}
	env := exprEnv{names: params.ExpressionAttributeNames, values: params.ExpressionAttributeValues}
	item, err := d.update(table, pk, params.Key, env, params.ConditionExpression, params.UpdateExpression)
	if err != nil {
		return nil, err
	}
	return &dyn.UpdateItemOutput{Attributes: clone(item)}, nil
}

func (d *DynamoDB) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("DeleteItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(params.TableName)
	pk, err := d.pk(table, params.Key)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil {
		env := exprEnv{names: params.ExpressionAttributeNames, values: params.ExpressionAttributeValues}
		ok, err := env.evalCondition(*params.ConditionExpression, d.current(table, pk))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, conditionFailed()
		}
	}
	delete(d.tables[table], pk)
	return &dyn.DeleteItemOutput{}, nil
}

// Scan evaluates FilterExpression over every item. Results are returned in one page.
func (d *DynamoDB) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("Scan"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(params.TableName)
	rows, ok := d.tables[table]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + table)}
	}
	env := exprEnv{names: params.ExpressionAttributeNames, values: params.ExpressionAttributeValues}
	out := &dyn.ScanOutput{ScannedCount: int32(len(rows))}
	for _, item := range rows {
		if params.FilterExpression != nil {
			ok, err := env.evalCondition(*params.FilterExpression, item)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out.Count++
		if params.Select != types.SelectCount {
			out.Items = append(out.Items, clone(item))
		}
	}
	return out, nil
}

// TransactWriteItems checks every condition first and applies nothing when one fails.
func (d *DynamoDB) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, it := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		table, key, cond, env, err := d.transactTarget(it)
		if err != nil {
			return nil, err
		}
		if cond == nil {
			continue
		}
		pk, err := d.pk(table, key)
		if err != nil {
			return nil, err
		}
		ok, err := env.evalCondition(*cond, d.current(table, pk))
		if err != nil {
			return nil, err
		}
		if !ok {
			failed = true
			reasons[i] = types.CancellationReason{
				Code:    sdkaws.String("ConditionalCheckFailed"),
				Message: sdkaws.String("The conditional request failed"),
			}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, it := range params.TransactItems {
		switch {
		case it.Put != nil:
			table := sdkaws.ToString(it.Put.TableName)
			pk, _ := d.pk(table, it.Put.Item)
			d.tables[table][pk] = clone(it.Put.Item)
		case it.Update != nil:
			table := sdkaws.ToString(it.Update.TableName)
			pk, _ := d.pk(table, it.Update.Key)
			env := exprEnv{names: it.Update.ExpressionAttributeNames, values: it.Update.ExpressionAttributeValues}
			if _, err := d.update(table, pk, it.Update.Key, env, nil, it.Update.UpdateExpression); err != nil {
				return nil, err
			}
		case it.Delete != nil:
			table := sdkaws.ToString(it.Delete.TableName)
			pk, _ := d.pk(table, it.Delete.Key)
			delete(d.tables[table], pk)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (d *DynamoDB) transactTarget(it types.TransactWriteItem) (string, map[string]types.AttributeValue, *string, exprEnv, error) {
	switch {
	case it.Put != nil:
		return sdkaws.ToString(it.Put.TableName), it.Put.Item, it.Put.ConditionExpression,
			exprEnv{names: it.Put.ExpressionAttributeNames, values: it.Put.ExpressionAttributeValues}, nil
	case it.Update != nil:
		return sdkaws.ToString(it.Update.TableName), it.Update.Key, it.Update.ConditionExpression,
			exprEnv{names: it.Update.ExpressionAttributeNames, values: it.Update.ExpressionAttributeValues}, nil
	case it.Delete != nil:
		return sdkaws.ToString(it.Delete.TableName), it.Delete.Key, it.Delete.ConditionExpression,
			exprEnv{names: it.Delete.ExpressionAttributeNames, values: it.Delete.ExpressionAttributeValues}, nil
	case it.ConditionCheck != nil:
		return sdkaws.ToString(it.ConditionCheck.TableName), it.ConditionCheck.Key, it.ConditionCheck.ConditionExpression,
			exprEnv{names: it.ConditionCheck.ExpressionAttributeNames, values: it.ConditionCheck.ExpressionAttributeValues}, nil
	}
	return "", nil, nil, exprEnv{}, errors.New("empty transact item")
}

// update applies expr to the item at pk, creating it from key when absent.
func (d *DynamoDB) update(table, pk string, key map[string]types.AttributeValue, env exprEnv, cond, expr *string) (map[string]types.AttributeValue, error) {
	current := d.current(table, pk)
	if cond != nil {
		ok, err := env.evalCondition(*cond, current)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, conditionFailed()
		}
	}
	item := clone(current)
	for k, v := range key {
		item[k] = v
	}
	if expr != nil {
		if err := env.applyUpdate(*expr, item); err != nil {
			return nil, err
		}
	}
	d.tables[table][pk] = item
	return item, nil
}

func (d *DynamoDB) current(table, pk string) map[string]types.AttributeValue {
	if item, ok := d.tables[table][pk]; ok {
		return item
	}
	return map[string]types.AttributeValue{}
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
